package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusAdapter wraps a logrus logger to implement the Logger interface.
type LogrusAdapter struct {
	logger *logrus.Logger
	entry  *logrus.Entry
}

// NewLogger creates a root Logger at the given verbosity. The level string
// follows the server CLI ("debug", "info", "warning", "error"); unknown
// values fall back to info.
func NewLogger(level string) Logger {
	logger := logrus.New()
	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	return NewLogrusAdapter(logger)
}

// NewLogrusAdapter creates a new adapter from a logrus.Logger.
func NewLogrusAdapter(logger *logrus.Logger) Logger {
	return &LogrusAdapter{
		logger: logger,
		entry:  logrus.NewEntry(logger),
	}
}

// NewLogrusAdapterFromEntry creates a new adapter from a logrus.Entry.
func NewLogrusAdapterFromEntry(entry *logrus.Entry) Logger {
	return &LogrusAdapter{
		logger: entry.Logger,
		entry:  entry,
	}
}

// WithField creates a new logger with an additional field.
func (l *LogrusAdapter) WithField(key string, value interface{}) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithField(key, value),
	}
}

// WithFields creates a new logger with additional fields.
func (l *LogrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithFields(logrus.Fields(fields)),
	}
}

// WithError creates a new logger with an error field.
func (l *LogrusAdapter) WithError(err error) Logger {
	return &LogrusAdapter{
		logger: l.logger,
		entry:  l.entry.WithError(err),
	}
}

func (l *LogrusAdapter) Debug(args ...interface{}) {
	l.entry.Debug(args...)
}

func (l *LogrusAdapter) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *LogrusAdapter) Debugln(args ...interface{}) {
	l.entry.Debugln(args...)
}

func (l *LogrusAdapter) Info(args ...interface{}) {
	l.entry.Info(args...)
}

func (l *LogrusAdapter) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *LogrusAdapter) Infoln(args ...interface{}) {
	l.entry.Infoln(args...)
}

func (l *LogrusAdapter) Warn(args ...interface{}) {
	l.entry.Warn(args...)
}

func (l *LogrusAdapter) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *LogrusAdapter) Warnln(args ...interface{}) {
	l.entry.Warnln(args...)
}

func (l *LogrusAdapter) Warning(args ...interface{}) {
	l.entry.Warning(args...)
}

func (l *LogrusAdapter) Warningf(format string, args ...interface{}) {
	l.entry.Warningf(format, args...)
}

func (l *LogrusAdapter) Error(args ...interface{}) {
	l.entry.Error(args...)
}

func (l *LogrusAdapter) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *LogrusAdapter) Errorln(args ...interface{}) {
	l.entry.Errorln(args...)
}

func (l *LogrusAdapter) Fatal(args ...interface{}) {
	l.entry.Fatal(args...)
}

func (l *LogrusAdapter) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

func (l *LogrusAdapter) Fatalln(args ...interface{}) {
	l.entry.Fatalln(args...)
}

// Writer returns a PipeWriter that writes to the logger at Info level.
func (l *LogrusAdapter) Writer() *io.PipeWriter {
	return l.logger.Writer()
}

// DebugWriter returns a PipeWriter that writes to the logger at Debug level.
// Backend subprocess output is noisy, so it is captured at debug verbosity.
func (l *LogrusAdapter) DebugWriter() *io.PipeWriter {
	return l.entry.WriterLevel(logrus.DebugLevel)
}
