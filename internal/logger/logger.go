// Package logger provides the structured logging wrapper shared by every
// agent component.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package rather
// than on logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level, format and destination of a Logger.
type Config struct {
	Level      string `yaml:"level" env:"AGENT_LOG_LEVEL"`
	Format     string `yaml:"format" env:"AGENT_LOG_FORMAT"`
	Output     string `yaml:"output" env:"AGENT_LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"AGENT_LOG_FILE_PREFIX"`
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.FilePrefix == "" {
			cfg.FilePrefix = "agent"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Errorf("failed to create logs directory: %v", err)
			break
		}
		logPath := filepath.Join(logDir, cfg.FilePrefix+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Errorf("failed to open log file: %v", err)
			break
		}
		log.SetOutput(io.MultiWriter(os.Stdout, file))
	default:
		log.SetOutput(os.Stdout)
	}

	return &Logger{Logger: log}
}

// NewDefault builds a Logger with sane defaults (info level, text format,
// stdout). The name argument is not recorded in the log output.
func NewDefault(name string) *Logger {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
	return &Logger{Logger: log}
}

// WithField returns a new log entry carrying key/value.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry carrying fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
