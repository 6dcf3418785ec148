package config

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLogLevel maps a LOG_LEVEL value to a slog.Level. Unknown values map
// to Info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

// NewLogger builds the process logger: colourised text in local mode, JSON
// everywhere else. Every record carries the service name and version.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	lvl := ParseLogLevel(cfg.LogLevel)

	var handler slog.Handler
	if cfg.IsLocal() {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == "error" && a.Value.Kind() == slog.KindAny {
					if err, ok := a.Value.Any().(error); ok {
						return tint.Err(err)
					}
				}
				return a
			},
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}

	return slog.New(handler).With(
		"service", cfg.Service,
		"version", cfg.Build.Version,
	)
}
