// Package logging builds the structured zap loggers used across vbranch.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is read from VBRANCH_LOG_LEVEL and VBRANCH_LOG_FORMAT.
type Config struct {
	Level  string `envconfig:"LOG_LEVEL" default:"warn"`
	Format string `envconfig:"LOG_FORMAT" default:"console"`
}

// LoadConfig reads the logging configuration from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("VBRANCH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read logging environment: %w", err)
	}
	return &cfg, nil
}

// New builds a logger from cfg.
func New(cfg *Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case "json":
		zcfg = zap.NewProductionConfig()
	case "console", "":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or console)", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}

// FromEnv builds a logger configured by the environment, falling back to a
// no-op logger when the environment is invalid.
func FromEnv() *zap.Logger {
	cfg, err := LoadConfig()
	if err != nil {
		return zap.NewNop()
	}
	logger, err := New(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

type ctxKey struct{}

// With returns a context carrying logger.
func With(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger carried by ctx, or a no-op logger.
func From(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return zap.NewNop()
}
