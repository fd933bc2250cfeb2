// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/NaveedAhmed286/amazon-scraper/internal/scraper"
)

// Config selects the encoder and minimum level.
type Config struct {
	Development bool
	// Level is a zap level name ("debug", "info", ...). Empty keeps the
	// encoder default.
	Level string
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zcfg.EncoderConfig.TimeKey = "ts"

	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(parsed)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ForItem scopes logger to a queue item. Payloads are never logged.
func ForItem(logger *zap.Logger, item scraper.QueueItem) *zap.Logger {
	fields := []zap.Field{
		zap.String("job_id", item.JobID),
		zap.String("kind", string(item.Kind)),
		zap.Int("attempt", item.Attempt),
	}
	if item.Key != "" {
		fields = append(fields, zap.String("key", item.Key))
	}
	if item.URL != "" {
		fields = append(fields, zap.String("url", item.URL))
	}
	return logger.With(fields...)
}
