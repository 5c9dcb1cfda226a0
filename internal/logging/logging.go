package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is a key/value structured logger backed by logrus.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a Logger writing to stdout. The level is read from
// LOG_LEVEL and defaults to info.
func NewLogger() *Logger {
	return New(os.Getenv("LOG_LEVEL"), "auto", os.Stdout)
}

// New creates a Logger with the given level and format ("text", "json" or
// "auto"). Auto picks text when out is a terminal and JSON otherwise.
func New(level, format string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		if isTerminal(out) {
			base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		} else {
			base.SetFormatter(&logrus.JSONFormatter{})
		}
	}
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(args))}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Debug(msg)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Info(msg)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Warn(msg)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.entry.WithFields(fields(args)).Error(msg)
}

// Writer exposes the underlying output, used to route echo's request log.
func (l *Logger) Writer() io.Writer {
	return l.entry.Logger.Out
}

func fields(args []any) logrus.Fields {
	if len(args) == 0 {
		return logrus.Fields{}
	}
	out := make(logrus.Fields, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 >= len(args) {
			out["!BADKEY"] = key
			break
		}
		val := args[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		out[key] = val
	}
	return out
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
