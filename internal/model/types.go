package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LogLevel is the severity derived from the bracketed thread/level tag.
type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelWarning
	LevelError
	LevelOther
)

// AllLevels lists every LogLevel in declaration order.
var AllLevels = []LogLevel{LevelInfo, LevelWarning, LevelError, LevelOther}

func (l LogLevel) String() string {
	switch l {
	case LevelInfo:
		return "Info"
	case LevelWarning:
		return "Warning"
	case LevelError:
		return "Error"
	case LevelOther:
		return "Other"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel resolves a configured level name such as "Error".
// Matching is case-insensitive.
func ParseLogLevel(name string) (LogLevel, error) {
	trimmed := strings.TrimSpace(name)
	for _, l := range AllLevels {
		if strings.EqualFold(trimmed, l.String()) {
			return l, nil
		}
	}
	return LevelOther, fmt.Errorf("unknown log level %q", name)
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// LevelFromTag maps the level part of a "[thread/LEVEL]" tag.
// The match is case-sensitive.
func LevelFromTag(tag string) LogLevel {
	switch tag {
	case "INFO":
		return LevelInfo
	case "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	default:
		return LevelOther
	}
}

// LogClass is the semantic category of a message body.
type LogClass int

const (
	ClassUserAuth LogClass = iota
	ClassUserJoinedDetails
	ClassUserJoined
	ClassUserLeft
	ClassServerVersion
	ClassServerStart
	ClassServerStop
	ClassServerOverload
	ClassOther
)

// AllClasses lists every LogClass in declaration order.
var AllClasses = []LogClass{
	ClassUserAuth,
	ClassUserJoinedDetails,
	ClassUserJoined,
	ClassUserLeft,
	ClassServerVersion,
	ClassServerStart,
	ClassServerStop,
	ClassServerOverload,
	ClassOther,
}

func (c LogClass) String() string {
	switch c {
	case ClassUserAuth:
		return "UserAuth"
	case ClassUserJoinedDetails:
		return "UserJoinedDetails"
	case ClassUserJoined:
		return "UserJoined"
	case ClassUserLeft:
		return "UserLeft"
	case ClassServerVersion:
		return "ServerVersion"
	case ClassServerStart:
		return "ServerStart"
	case ClassServerStop:
		return "ServerStop"
	case ClassServerOverload:
		return "ServerOverload"
	case ClassOther:
		return "Other"
	default:
		return fmt.Sprintf("LogClass(%d)", int(c))
	}
}

// ParseLogClass resolves a configured class name such as "ServerStart".
// Matching is case-insensitive.
func ParseLogClass(name string) (LogClass, error) {
	trimmed := strings.TrimSpace(name)
	for _, c := range AllClasses {
		if strings.EqualFold(trimmed, c.String()) {
			return c, nil
		}
	}
	return ClassOther, fmt.Errorf("unknown log class %q", name)
}

func (c LogClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *LogClass) UnmarshalText(text []byte) error {
	parsed, err := ParseLogClass(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// LogRecord is one parsed line. It is a value and is never mutated after Parse.
type LogRecord struct {
	Time          string   `json:"time"` // HH:MM:SS as printed by the server
	Level         LogLevel `json:"level"`
	Class         LogClass `json:"class"`
	Message       string   `json:"message"`        // trimmed message body
	StatusMessage string   `json:"status_message"` // synthesized human-readable text
}

// StoredRecord is a LogRecord as kept by the history store.
type StoredRecord struct {
	LogRecord
	EventID    string    `json:"event_id"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"` // path of the tailed file
}

// Message is one notification handed to the delivery sink.
type Message struct {
	Destination string `json:"destination_name"`
	Content     string `json:"content"`
}

// LevelSet is a set of LogLevel values.
type LevelSet map[LogLevel]struct{}

// NewLevelSet builds a set from the given levels.
func NewLevelSet(levels ...LogLevel) LevelSet {
	s := make(LevelSet, len(levels))
	for _, l := range levels {
		s[l] = struct{}{}
	}
	return s
}

// Contains reports whether l is in the set.
func (s LevelSet) Contains(l LogLevel) bool {
	_, ok := s[l]
	return ok
}

// Sorted returns the members in declaration order.
func (s LevelSet) Sorted() []LogLevel {
	out := make([]LogLevel, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ClassSet is a set of LogClass values.
type ClassSet map[LogClass]struct{}

// NewClassSet builds a set from the given classes.
func NewClassSet(classes ...LogClass) ClassSet {
	s := make(ClassSet, len(classes))
	for _, c := range classes {
		s[c] = struct{}{}
	}
	return s
}

// Contains reports whether c is in the set.
func (s ClassSet) Contains(c LogClass) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the members in declaration order.
func (s ClassSet) Sorted() []LogClass {
	out := make([]LogClass, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Notification is a named destination with its own inclusion rules.
// It is loaded once at startup and read-only afterwards.
type Notification struct {
	Name         string
	IncludeLevel LevelSet
	IncludeClass ClassSet
}

// CountByValue is a grouped count used by history statistics.
type CountByValue struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}
