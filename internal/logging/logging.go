package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/propmarket/promotions/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard logrus logger. The returned closer flushes
// the rotating file, if one was opened.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	return Configure(log.StandardLogger(), cfg)
}

// Configure applies level, formatter and output to logger.
func Configure(logger *log.Logger, cfg config.LoggingConfig) (io.Closer, error) {
	level, errLevel := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errLevel != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}

	file := strings.TrimSpace(cfg.File)
	if file == "" {
		logger.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}
	if dir := filepath.Dir(file); dir != "" && dir != "." {
		if errMkdir := os.MkdirAll(dir, 0o755); errMkdir != nil {
			return nil, errMkdir
		}
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	if errLevel != nil {
		logger.Warnf("logging: unknown level %q, using info", cfg.Level)
	}
	return rotator, nil
}

// Security returns an entry tagged as a security event.
func Security() *log.Entry {
	return log.WithField("security_event", true)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
