// Package logging configures logrus for the daemon: console output plus an
// optional log file mirrored through lfshook.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/TheusHen/alicecrypto/alicecrypto/config"
)

// Configure applies cfg to logger. Pass logrus.StandardLogger() to configure
// the package-level logger used throughout the daemon.
func Configure(logger *logrus.Logger, cfg config.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	logger.SetLevel(level)

	formatter, err := newFormatter(cfg.Format)
	if err != nil {
		return err
	}
	logger.SetFormatter(formatter)
	logger.SetOutput(os.Stdout)

	if cfg.File == "" {
		return nil
	}
	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}

	// The file always gets full timestamps and no colour codes.
	fileFormatter, _ := newFormatter(cfg.Format)
	if tf, ok := fileFormatter.(*logrus.TextFormatter); ok {
		tf.DisableColors = true
	}
	logger.AddHook(lfshook.NewHook(cfg.File, fileFormatter))

	logger.WithFields(logrus.Fields{
		"function": "Configure",
		"file":     cfg.File,
		"level":    level.String(),
	}).Debug("Log file hook installed")
	return nil
}

func newFormatter(name string) (logrus.Formatter, error) {
	switch strings.ToLower(name) {
	case "", "text":
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", name)
	}
}
