package cli

import (
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the process logger. With a file configured, output is
// rotated by lumberjack; the returned closer releases it.
func newLogger(cfg LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer) {
	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = rotating
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

// installLogger makes l the process default. Package loggers captured from
// slog.Default() before this call reach l through the log bridge, so the
// bridge level follows cfg as well.
func installLogger(l *slog.Logger, cfg LoggingConfig) {
	slog.SetDefault(l)
	slog.SetLogLoggerLevel(parseLevel(cfg.Level))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
