// Package logging adapts logrus to the engine's key/value Logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger satisfies core.Logger on top of a logrus entry.
type Logger struct {
	entry *logrus.Entry
}

// New builds a logger writing to w. level is any logrus level name; format is
// "text" or "json".
func New(w io.Writer, level, format string) (*Logger, error) {
	base := logrus.New()
	base.SetOutput(w)
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	base.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return &Logger{entry: logrus.NewEntry(base)}, nil
}

// Wrap adapts an existing logrus logger.
func Wrap(l *logrus.Logger) *Logger { return &Logger{entry: logrus.NewEntry(l)} }

// With returns a logger carrying the given key/value pairs on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(args))}
}

func (l *Logger) Debug(msg string, args ...any) { l.entry.WithFields(fields(args)).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { l.entry.WithFields(fields(args)).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { l.entry.WithFields(fields(args)).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { l.entry.WithFields(fields(args)).Error(msg) }

// fields pairs up args. A trailing key without value is kept under
// "!BADKEY"; non-string keys are formatted with %v.
func fields(args []any) logrus.Fields {
	out := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			out["!BADKEY"] = args[i]
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		value := args[i+1]
		if err, ok := value.(error); ok {
			value = err.Error()
		}
		out[key] = value
	}
	return out
}
