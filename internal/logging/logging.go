// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Validate rejects unknown levels and formats.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(orDefault(c.Level, "info")); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Format {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Format)
	}
}

// New builds a zap logger from cfg. JSON output uses the production encoder,
// console output the development one.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(orDefault(cfg.Level, "info"))

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
