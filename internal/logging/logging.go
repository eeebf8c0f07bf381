// Package logging wires up the structured logger shared by every process
// in the ingestion core (scheduler, worker, consolidator).
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.SugaredLogger tagged with the given service name, the
// same way the teacher tags its log lines with "[main_ingester]" /
// "[History]" prefixes, except as a structured field instead of a string.
func New(serviceName string) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if os.Getenv("LOG_FORMAT") == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		// Fall back to a no-op logger rather than crash the process over
		// a logging misconfiguration.
		logger = zap.NewNop()
	}

	return logger.Sugar().With("service", serviceName)
}
