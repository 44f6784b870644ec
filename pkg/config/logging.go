package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Format is text or json.
	Format string
}

func (l LogConfig) slogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs the process-wide slog default logger. When
// logDir is non-empty, output tees to <logDir>/ksid.log in addition to
// stderr; the returned closer owns the file handle.
func SetupLogging(cfg LogConfig, logDir string) (io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer

	if logDir != "" {
		path := filepath.Join(logDir, "ksid.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open daemon log %s: %w", path, err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	opts := &slog.HandlerOptions{Level: cfg.slogLevel()}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}
