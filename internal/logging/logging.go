// Package logging provides the leveled logging conventions shared by all
// conductor components: a Level parsed from config, and a printf helper
// that prefixes lines with an RFC3339 timestamp, level, and component name.
package logging

import (
	"fmt"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Printf writes a component-prefixed log line if lvl clears min.
// Messages follow the key=value convention used throughout the codebase.
func Printf(logger *log.Logger, min, lvl Level, component, format string, args ...any) {
	if logger == nil || lvl < min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	logger.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), lvl, component, msg)
}
