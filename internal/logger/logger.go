// Package logger holds the process-wide structured logger used by zones that
// are not given one explicitly. Output is discarded until Init is called.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(discard())
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

const (
	logPrefix     = "magzone-"
	logSuffix     = ".log"
	retentionDays = 7
)

// Options configures the logger initialization.
type Options struct {
	Enabled bool       // If false, all logging is discarded
	Writer  io.Writer  // Destination. Takes precedence over LogDir
	LogDir  string     // Directory for dated log files when Writer is nil
	JSON    bool       // JSON records instead of key=value text
	Level   slog.Level // Minimum level. Default: LevelInfo
}

// Init replaces the process logger. Safe to call concurrently with logging.
func Init(opts Options) error {
	if !opts.Enabled {
		current.Store(discard())
		return nil
	}

	w := opts.Writer
	if w == nil {
		if opts.LogDir == "" {
			w = os.Stderr
		} else {
			f, err := openDated(opts.LogDir)
			if err != nil {
				return err
			}
			w = f
		}
	}

	hopts := &slog.HandlerOptions{Level: opts.Level}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	current.Store(slog.New(h))
	return nil
}

// L returns the process logger.
func L() *slog.Logger { return current.Load() }

func openDated(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cleanOldLogs(dir)
	name := filepath.Join(dir, logPrefix+time.Now().Format("2006-01-02")+logSuffix)
	return os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// cleanOldLogs removes dated log files older than retentionDays. Best effort.
func cleanOldLogs(dir string) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, logSuffix) {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, logPrefix), logSuffix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, args ...any) { L().Debug(msg, args...) }

// Info logs an info message with optional key-value pairs.
func Info(msg string, args ...any) { L().Info(msg, args...) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, args ...any) { L().Warn(msg, args...) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, args ...any) { L().Error(msg, args...) }
