package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "srm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 30*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.Engine.Retention)
	assert.Equal(t, StorageFile, cfg.Storage.Kind)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.GRPCAddr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_MissingDefaultPathIsIgnored(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = Load(DefaultPath)
	assert.NoError(t, err)
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
worker:
  count: 8
  task_timeout: 5s
engine:
  legacy_ls_unknown_as_done: true
  checkpoint_interval: 30s
storage:
  kind: sqlite
  path: /tmp/srm-test.db
backend:
  root: /srv/data
  hide: ["private/**"]
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.True(t, cfg.Engine.LegacyLsUnknownAsDone)
	assert.Equal(t, 30*time.Second, cfg.Engine.CheckpointInterval)
	assert.Equal(t, StorageSQLite, cfg.Storage.Kind)
	assert.Equal(t, "/tmp/srm-test.db", cfg.Storage.Path)
	assert.Equal(t, []string{"private/**"}, cfg.Backend.Hide)
	assert.Equal(t, "console", cfg.Logging.Format)
	// 未覆寫的鍵保留預設值
	assert.Equal(t, 256, cfg.Worker.QueueSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SRM_WORKER_COUNT", "12")
	t.Setenv("SRM_STORAGE_KIND", "memory")
	t.Setenv("SRM_ENGINE_RETENTION", "2h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Worker.Count)
	assert.Equal(t, StorageMemory, cfg.Storage.Kind)
	assert.Equal(t, 2*time.Hour, cfg.Engine.Retention)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero workers", "worker:\n  count: 0\n"},
		{"unknown storage", "storage:\n  kind: s3\n"},
		{"sqlite without path", "storage:\n  kind: sqlite\n  path: \"\"\n"},
		{"bad yaml", "worker: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfigFileLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", DefaultPath))
	require.NoError(t, err)
	assert.Equal(t, StorageFile, cfg.Storage.Kind)
	assert.Equal(t, []string{"**/.*"}, cfg.Backend.Hide)
}
