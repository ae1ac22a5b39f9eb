// Package logging wraps logrus with component names, correlation ids and
// rotating file output shared by every daemon component.
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias so callers do not import logrus directly.
type Fields = logrus.Fields

// Logger is a logrus entry bound to a component name. Correlation ids are
// attached per event via WithCorrelationID.
type Logger struct {
	*logrus.Entry
}

// Config mirrors the logging section of the service configuration.
type Config struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSizeMB  int    `mapstructure:"max_file_size_mb"`
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

var (
	root    = logrus.New()
	setupMu sync.Mutex
)

func init() {
	root.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// GetLogger returns a logger bound to the given component name.
func GetLogger(component string) *Logger {
	return &Logger{Entry: root.WithField("component", component)}
}

// Setup configures the shared root logger. Safe to call once at startup;
// repeated calls reconfigure in place (hot reload).
func Setup(cfg *Config) error {
	setupMu.Lock()
	defer setupMu.Unlock()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	root.SetLevel(level)

	if cfg.FileEnabled && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return err
		}
		root.SetOutput(&lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxFileSizeMB,
			MaxBackups: cfg.BackupCount,
			MaxAge:     30,
			Compress:   true,
		})
		root.SetFormatter(fileFormatter(cfg.Format))
	} else if cfg.ConsoleEnabled {
		root.SetOutput(os.Stdout)
	}
	return nil
}

func fileFormatter(format string) logrus.Formatter {
	if strings.Contains(strings.ToLower(format), "json") {
		return &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"}
	}
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	}
}

// WithCorrelationID returns a logger carrying the correlation id field.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return &Logger{Entry: l.Entry.WithField("correlation_id", id)}
}

// WithFields returns a logger with extra structured fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// WithField returns a logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

// NewCorrelationID returns a fresh short hex correlation id for events that
// arrive without one (kernel events, device-state changes).
func NewCorrelationID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
