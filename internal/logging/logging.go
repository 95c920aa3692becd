// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New. Empty fields use production defaults.
type Options struct {
	Level string
	// File redirects output and error output away from stderr.
	File string
	// Development switches to the console encoder.
	Development bool
}

// New returns a production JSON logger at the requested level, with stack
// traces only at error level.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	if opts.File != "" {
		cfg.OutputPaths = []string{opts.File}
		cfg.ErrorOutputPaths = []string{opts.File}
	}
	return cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
}

// ParseLevel accepts zap level names; the empty string means info.
func ParseLevel(s string) (zapcore.Level, error) {
	level := zap.InfoLevel
	if s == "" {
		return level, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
