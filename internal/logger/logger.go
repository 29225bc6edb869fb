package logger

import (
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Initialize sets up the logger with the specified level
func Initialize(level string) {
	logger.SetLevel(parseLevel(level))
}

// parseLevel maps a level name to a logrus level
func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) {
	logger.Debugf(format, v...)
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	logger.Warnf(format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}

// ErrorWithStack logs an error with a stack trace
func ErrorWithStack(err error) {
	if err == nil {
		return
	}
	logger.Errorf("%v\n%s", err, debug.Stack())
}
