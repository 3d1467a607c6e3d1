// ============================================================================
// srm-lifecycle 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 以 viper 讀取 YAML 配置檔，支援 SRM_ 前綴的環境變數覆寫
//
// 優先順序（高 → 低）:
//   1. 環境變數，例如 SRM_WORKER_COUNT=8、SRM_STORAGE_KIND=sqlite
//   2. 配置檔（預設 configs/default.yaml）
//   3. setDefaults() 中的預設值
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath 預設配置檔路徑
const DefaultPath = "configs/default.yaml"

// EnvPrefix 環境變數前綴
const EnvPrefix = "SRM"

// 儲存層種類
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageFile   = "file"
)

// Config 完整系統配置
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// WorkerConfig worker pool 設定
type WorkerConfig struct {
	Count         int           `mapstructure:"count" yaml:"count"`
	QueueSize     int           `mapstructure:"queue_size" yaml:"queue_size"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
	Rate          float64       `mapstructure:"rate" yaml:"rate"`
	Burst         int           `mapstructure:"burst" yaml:"burst"`
}

// EngineConfig 請求引擎設定
type EngineConfig struct {
	MaxRetries            int           `mapstructure:"max_retries" yaml:"max_retries"`
	DefaultLifetime       time.Duration `mapstructure:"default_lifetime" yaml:"default_lifetime"`
	MaxPollDelta          int           `mapstructure:"max_poll_delta" yaml:"max_poll_delta"`
	LegacyLsUnknownAsDone bool          `mapstructure:"legacy_ls_unknown_as_done" yaml:"legacy_ls_unknown_as_done"`
	ExpiryInterval        time.Duration `mapstructure:"expiry_interval" yaml:"expiry_interval"`
	Retention             time.Duration `mapstructure:"retention" yaml:"retention"`
	CheckpointInterval    time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
}

// StorageConfig 持久層設定
type StorageConfig struct {
	Kind            string        `mapstructure:"kind" yaml:"kind"`
	Path            string        `mapstructure:"path" yaml:"path"` // sqlite 資料庫檔
	Dir             string        `mapstructure:"dir" yaml:"dir"`   // 快照 + WAL 目錄
	SyncOnAppend    bool          `mapstructure:"sync_on_append" yaml:"sync_on_append"`
	FlushInterval   time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	SnapshotBackups int           `mapstructure:"snapshot_backups" yaml:"snapshot_backups"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// BackendConfig 儲存後端設定
type BackendConfig struct {
	Root          string   `mapstructure:"root" yaml:"root"`
	Hide          []string `mapstructure:"hide" yaml:"hide"`
	ListLimit     int      `mapstructure:"list_limit" yaml:"list_limit"`
	BaseURL       string   `mapstructure:"base_url" yaml:"base_url"`
	SpaceCapacity int64    `mapstructure:"space_capacity" yaml:"space_capacity"`
}

// ServerConfig 對外服務設定
type ServerConfig struct {
	GRPCAddr        string        `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	HTTPAddr        string        `mapstructure:"http_addr" yaml:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// LoggingConfig 日誌設定
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.task_timeout", "30s")
	v.SetDefault("worker.retry_delay", "1s")
	v.SetDefault("worker.max_retry_delay", "1m")
	v.SetDefault("worker.rate", 0.0)
	v.SetDefault("worker.burst", 0)

	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.default_lifetime", "0s")
	v.SetDefault("engine.max_poll_delta", 3600)
	v.SetDefault("engine.legacy_ls_unknown_as_done", false)
	v.SetDefault("engine.expiry_interval", "10s")
	v.SetDefault("engine.retention", "24h")
	v.SetDefault("engine.checkpoint_interval", "1m")

	v.SetDefault("storage.kind", StorageFile)
	v.SetDefault("storage.path", "data/srm.db")
	v.SetDefault("storage.dir", "data/journal")
	v.SetDefault("storage.sync_on_append", false)
	v.SetDefault("storage.flush_interval", "100ms")
	v.SetDefault("storage.snapshot_backups", 3)
	v.SetDefault("storage.busy_timeout", "5s")

	v.SetDefault("backend.root", "data/storage")
	v.SetDefault("backend.hide", []string{})
	v.SetDefault("backend.list_limit", 1000)
	v.SetDefault("backend.base_url", "file://")
	v.SetDefault("backend.space_capacity", int64(1)<<40)

	v.SetDefault("server.grpc_addr", "127.0.0.1:50051")
	v.SetDefault("server.http_addr", "127.0.0.1:8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load 讀取配置
//
// path 為空或為 DefaultPath 且檔案不存在時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查配置是否合理
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must not be negative"))
	}
	switch c.Storage.Kind {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case StorageFile:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for file storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kind %q: want memory, sqlite or file", c.Storage.Kind))
	}
	if c.Backend.Root == "" {
		errs = append(errs, errors.New("backend.root is required"))
	}
	return errors.Join(errs...)
}
