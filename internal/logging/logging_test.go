package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json info", "info", "json", false},
		{"console debug", "DEBUG", "console", false},
		{"default format", "warn", "", false},
		{"bad level", "loud", "json", true},
		{"bad format", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestNew_LevelIsApplied(t *testing.T) {
	l, err := New("warn", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestInstall(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Install(zap.New(core))

	zap.L().Info("request submitted", zap.Int64("request_id", 7))
	zap.L().Debug("dropped")
	restore()
	zap.L().Info("after restore")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request submitted", entry.Message)
	assert.Equal(t, int64(7), entry.ContextMap()["request_id"])
}
