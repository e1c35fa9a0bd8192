package hooks

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Skryldev/imaged/config"
)

// LogrusLogger adapts a logrus entry to core.Logger. Fields are key/value
// pairs; a trailing key without a value is logged under "extra".
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps l.
func NewLogrusLogger(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// NewLogrus builds a logrus.Logger writing to w from cfg.
func NewLogrus(cfg config.LogConfig, w io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(w)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format %q: expected json or text", cfg.Format)
	}
	return l, nil
}

// Entry exposes the underlying entry for callers that log through logrus
// directly.
func (s *LogrusLogger) Entry() *logrus.Entry { return s.entry }

// With returns a logger carrying the extra fields.
func (s *LogrusLogger) With(fields ...interface{}) *LogrusLogger {
	return &LogrusLogger{entry: s.entry.WithFields(toFields(fields))}
}

func (s *LogrusLogger) Debug(msg string, fields ...interface{}) {
	s.entry.WithFields(toFields(fields)).Debug(msg)
}

func (s *LogrusLogger) Info(msg string, fields ...interface{}) {
	s.entry.WithFields(toFields(fields)).Info(msg)
}

func (s *LogrusLogger) Warn(msg string, fields ...interface{}) {
	s.entry.WithFields(toFields(fields)).Warn(msg)
}

func (s *LogrusLogger) Error(msg string, fields ...interface{}) {
	s.entry.WithFields(toFields(fields)).Error(msg)
}

func toFields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		if i+1 == len(kv) {
			f["extra"] = kv[i]
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if err, ok := kv[i+1].(error); ok {
			f[key] = err.Error()
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}
