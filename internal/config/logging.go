package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures SetupLogger.
type LogOptions struct {
	File       string
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
}

// LogOptions returns the logging settings of c.
func (c Config) LogOptions() LogOptions {
	return LogOptions{File: c.LogFile, Level: c.LogLevel, MaxSizeMB: c.LogMaxSizeMB, MaxBackups: c.LogMaxBackups}
}

// SetupLogger creates a dual-output logger: text to stderr, JSON to a
// rotated file. Returns the logger and a cleanup function to close the file.
func SetupLogger(opts LogOptions) (*slog.Logger, func() error) {
	// Stderr handler (text for readability)
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: opts.Level,
	})

	if opts.File == "" {
		return slog.New(stderrHandler), func() error { return nil }
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		// Fall back to stderr-only if the log directory is unusable
		slog.Error("failed to create log directory, using stderr only", "error", err, "file", opts.File)
		return slog.New(stderrHandler), func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	logger := SetupLoggerWithWriters(os.Stderr, rotator, opts.Level)
	return logger, rotator.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
