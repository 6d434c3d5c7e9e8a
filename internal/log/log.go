package log

import (
	"io"
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// Setup configures the package logger. Debug output is enabled when verbose is set.
func Setup(verbose bool) {
	SetOutput(os.Stderr, verbose)
}

// SetOutput redirects log output, mostly useful in tests
func SetOutput(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Debug logs at debug level with key/value pairs
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs at info level with key/value pairs
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs at warn level with key/value pairs
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs at error level with key/value pairs
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
