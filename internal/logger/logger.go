package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/bgdnvk/stormcloud/internal/config"
	"github.com/sirupsen/logrus"
)

// New creates a logger with the given format and level writing to out.
func New(cfg config.Logger, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		return nil, fmt.Errorf("invalid log format: %q", cfg.Format)
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	// libraries that log through the standard logger follow the same setup
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(level)
	logrus.SetOutput(out)

	return log, nil
}
