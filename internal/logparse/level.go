package logparse

import (
	"strings"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

// ParseLevelTag extracts the level from a "[<thread-name>/<LEVEL>]" segment.
// The thread name may contain spaces; only the text after the first '/' is
// mapped. A tag without '/' maps to LevelOther.
func ParseLevelTag(segment string) model.LogLevel {
	tag := strings.Trim(strings.TrimSpace(segment), "[]")
	_, level, ok := strings.Cut(tag, "/")
	if !ok {
		return model.LevelOther
	}
	return model.LevelFromTag(level)
}

// levelPrefix is the label inserted into status text for notable levels.
func levelPrefix(level model.LogLevel) string {
	switch level {
	case model.LevelWarning:
		return "Warning"
	case model.LevelError:
		return "Error"
	default:
		return ""
	}
}
