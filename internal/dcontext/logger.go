// Package dcontext carries a structured logger on a context.Context, so
// that deeply nested calls (flow dispatch, scheduler passes, RTT samples)
// can log with consistent fields without threading a *Logger argument
// through every signature.
package dcontext

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	defaultLogger   *logrus.Entry = logrus.StandardLogger().WithField("component", "flowmux")
	defaultLoggerMu sync.RWMutex
)

// Logger is the leveled-logging interface carried on a context.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)

	Info(args ...any)
	Infof(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	WithError(err error) Logger
}

type entryLogger struct {
	*logrus.Entry
}

func (l *entryLogger) WithField(key string, value any) Logger {
	return &entryLogger{l.Entry.WithField(key, value)}
}

func (l *entryLogger) WithFields(fields map[string]any) Logger {
	return &entryLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *entryLogger) WithError(err error) Logger {
	return &entryLogger{l.Entry.WithError(err)}
}

type loggerKey struct{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// GetLogger returns the logger carried on ctx, or a process-wide default
// if none was attached. Unlike the teacher's GetLogger it takes no extra
// field keys; fields are added with the returned Logger's With* methods.
func GetLogger(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return defaultEntryLogger()
}

func defaultEntryLogger() Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return &entryLogger{defaultLogger}
}

// SetLevel sets the level of the process-wide default logger.
func SetLevel(level logrus.Level) {
	logrus.SetLevel(level)
}

// Background returns context.Background() carrying the default logger,
// analogous to the teacher's dcontext.Background().
func Background() context.Context {
	return WithLogger(context.Background(), defaultEntryLogger())
}
