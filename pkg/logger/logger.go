// Package logger builds the zap loggers used across probedb. The storage
// engine receives children of the root logger via Named, so every line
// carries the owning subsystem.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logging configuration.
type Config struct {
	// Level is the minimum level emitted ("debug", "info", "warn", "error").
	// Unknown values fall back to info.
	Level string `yaml:"level"`
	// Format selects "console" or "json" output.
	Format string `yaml:"format"`
	// OutputPaths lists zap sink URLs: "stdout", "stderr", or file paths.
	// Empty means stdout.
	OutputPaths []string `yaml:"output_paths"`
}

// New builds the root logger for a probedb process. Stacktraces are off:
// storage-engine errors carry page ids and sentinel causes, which is what a
// reader of the log actually needs.
func New(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := strings.ToLower(config.Format)
	if encoding != "console" {
		encoding = "json"
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	outputs := config.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zcfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	log, err := zcfg.Build(zap.Fields(zap.String("service", "probedb")))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return log, nil
}
