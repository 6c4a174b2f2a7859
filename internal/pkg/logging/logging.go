// Package logging builds the root logrus logger from configuration.
package logging

import (
	"Flownix/internal/config"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger configured with the given level and format.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format: '%s'", cfg.Format)
	}
	return logger, nil
}
