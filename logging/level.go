// Package logging builds the daemon's slog loggers. Every component
// logs through a child logger tagged with a "component" attribute
// (registry, loader, tagging, reconciler, sockdiag, controller), and a
// log spec such as "info,tagging=debug" sets a level per component.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Level extends slog's levels with a trace level below debug. The
// other values coincide with slog's.
type Level int

const (
	// LevelTrace logs each single-key map operation the tagging
	// engine performs: map name, key and value.
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// ParseLevel parses trace, debug, info, warn or error (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// ToSlog converts Level to slog.Level.
func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", l)
	}
}

// Trace logs msg at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace.ToSlog(), msg, args...)
}

// replaceLevel prints LevelTrace as TRACE rather than slog's DEBUG-4.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l <= LevelTrace.ToSlog() {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}
