// Package logging configures the process-wide slog logger. The daemon logs
// JSON to a rotating file under its home; CLI commands log text to stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control handler format, level, and the optional rotating file sink.
type Options struct {
	Level      string // debug, info, warn, error (default info)
	Format     string // "text" or "json" (default json with a file, text without)
	File       string // empty logs to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init builds a handler from opts and installs it as the slog default. The
// returned close function flushes and closes the file sink; it is a no-op
// when logging to stderr. Calling Init again replaces the default logger.
func Init(opts Options) (func() error, error) {
	var w io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = lj
		closeFn = lj.Close
	}

	format := opts.Format
	if format == "" {
		if opts.File != "" {
			format = "json"
		} else {
			format = "text"
		}
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	slog.SetDefault(slog.New(h))
	return closeFn, nil
}

// ParseLevel maps a config string onto a slog level; unknown means info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
