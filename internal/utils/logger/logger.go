// Package logger owns the process-wide structured logger.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and extra outputs of the logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // optional log file, appended to stderr
}

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	l, err := build(Config{Level: "info", Format: "console"})
	if err != nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

// Logger returns the logger installed by the last successful Init.
func Logger() *zap.SugaredLogger {
	return current.Load()
}

// Init builds a new logger from cfg and installs it for the process.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	Set(l.Sugar())
	return nil
}

// Set replaces the process-wide logger. Tests use it to silence or capture output.
func Set(l *zap.SugaredLogger) {
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	current.Store(l)
}

// Sync flushes buffered log entries.
func Sync() {
	_ = current.Load().Sync()
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Sampling = nil
	zcfg.DisableStacktrace = true
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zcfg.EncoderConfig.EncodeCaller = nil
		zcfg.DisableCaller = true
	case "json":
		zcfg.Encoding = "json"
	default:
		return nil, fmt.Errorf("unsupported log format %q (supported: console, json)", cfg.Format)
	}

	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, cfg.File)
	}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
