// Package logging builds the logrus logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config selects the level and format of the logger.
type Config struct {
	Level  string // logrus level name, default "info"
	Format string // "text" or "json"
	Output io.Writer
}

// New creates a logger from cfg.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}
	return logger, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
