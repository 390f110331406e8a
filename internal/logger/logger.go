// Package logger builds the zap logger used by ext2ctl.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and outputs.
type Config struct {
	Level  string // debug, info, warn or error
	Format string // json or console
	File   string // optional, written in addition to stderr
}

// New builds a logger for c. Console output is human-readable with colored
// levels; json output uses zap's production encoder.
func New(c Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(orDefault(c.Level, "warn")))
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	var zc zap.Config
	switch strings.ToLower(orDefault(c.Format, "console")) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if c.File != "" {
			// escape codes do not belong in a file
			zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	default:
		return nil, fmt.Errorf("logger: unknown format %q", c.Format)
	}
	zc.Level = level

	outputs := []string{"stderr"}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return nil, fmt.Errorf("logger: create log directory: %w", err)
		}
		outputs = append(outputs, c.File)
	}
	zc.OutputPaths = outputs
	zc.ErrorOutputPaths = []string{"stderr"}

	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return log, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
