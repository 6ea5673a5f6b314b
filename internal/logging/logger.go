// Package logging builds the zap logger shared by every FormNERD component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects where logs go and how verbose they are.
type Options struct {
	// Level is one of debug | info | warn | error. Empty means info.
	Level string
	// File receives JSON logs when set.
	File string
	// Console also writes human-readable logs to stderr. Must stay off in stdio MCP mode,
	// where stdout/stderr carry the protocol.
	Console bool
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a logger from opts. With neither a file nor console output it returns a
// no-op logger, so callers never have to nil-check.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	cores := make([]zapcore.Core, 0, 2)
	cleanup := func() {}

	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, cleanup, fmt.Errorf("create log dir: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open log file: %w", err)
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
		cleanup = func() { _ = f.Close() }
	}

	if opts.Console {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level))
	}

	if len(cores) == 0 {
		return zap.NewNop(), cleanup, nil
	}

	logger := zap.New(zapcore.NewTee(cores...))
	prev := cleanup
	cleanup = func() {
		_ = logger.Sync()
		prev()
	}
	return logger, cleanup, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
