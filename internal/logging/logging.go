// Package logging builds the process-wide zap logger.
//
// Packages log through zap.L(); Install swaps the global logger and returns a
// function that restores the previous one.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a logger at level ("debug", "info", ...) in the given format.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("logging level: %w", err)
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "", FormatJSON:
		cfg = zap.NewProductionConfig()
	case FormatConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("logging format %q: want %s or %s", format, FormatJSON, FormatConsole)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build(zap.Fields(zap.String("service", "srmd")))
}

// Install makes l the global logger.
func Install(l *zap.Logger) (restore func()) {
	return zap.ReplaceGlobals(l)
}

// Setup builds a logger and installs it. The returned function flushes it.
func Setup(level, format string) (func(), error) {
	l, err := New(level, format)
	if err != nil {
		return nil, err
	}
	restore := Install(l)
	return func() {
		_ = l.Sync()
		restore()
	}, nil
}
