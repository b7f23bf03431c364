package logparse

import (
	"strings"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

// classRule is one ordered classification predicate.
type classRule struct {
	class model.LogClass
	match func(body string) bool
}

// classRules are evaluated in order and the first match wins. Several
// predicates can hold at once, e.g. a player named "UUID" joining.
var classRules = []classRule{
	{model.ClassUserAuth, func(b string) bool { return strings.Contains(b, "UUID") }},
	{model.ClassUserJoinedDetails, func(b string) bool { return strings.Contains(b, "logged in with entity id") }},
	{model.ClassUserJoined, func(b string) bool { return strings.HasSuffix(b, "joined the game") }},
	{model.ClassUserLeft, func(b string) bool { return strings.HasSuffix(b, "left the game") }},
	{model.ClassServerVersion, func(b string) bool { return strings.HasPrefix(b, "Starting minecraft server version") }},
	{model.ClassServerOverload, func(b string) bool { return strings.HasPrefix(b, "Can't keep up!") }},
	{model.ClassServerStart, func(b string) bool { return strings.HasPrefix(b, "Done (") }},
	{model.ClassServerStop, func(b string) bool { return strings.HasPrefix(b, "Stopping server") }},
}

// Classify maps a trimmed message body to its LogClass.
func Classify(body string) model.LogClass {
	for _, rule := range classRules {
		if rule.match(body) {
			return rule.class
		}
	}
	return model.ClassOther
}

// StatusText synthesizes the human-readable text for a classified body.
// It does not include the time or level prefix.
func StatusText(class model.LogClass, body string) string {
	switch class {
	case model.ClassServerVersion:
		version := "Unknown"
		if fields := strings.Fields(body); len(fields) > 0 {
			version = fields[len(fields)-1]
		}
		return "Server starting up using version: " + version
	case model.ClassServerStart:
		parts := splitAnyN(body, "()", 3)
		if len(parts) >= 3 {
			return "Server started after " + parts[1]
		}
		return body
	case model.ClassServerStop:
		return "Server is shutting down"
	case model.ClassServerOverload:
		if _, after, ok := strings.Cut(body, "?"); ok {
			return "Server running slow." + after
		}
		return body
	case model.ClassUserAuth, model.ClassUserJoinedDetails, model.ClassUserJoined,
		model.ClassUserLeft, model.ClassOther:
		return body
	default:
		return body
	}
}

// FormatStatus prefixes text with the time and, for Warning and Error, the level.
func FormatStatus(time string, level model.LogLevel, text string) string {
	if prefix := levelPrefix(level); prefix != "" {
		return time + " - " + prefix + " - " + text
	}
	return time + " - " + text
}

// splitAnyN splits s around any of the bytes in seps into at most n parts.
// The last part holds the unsplit remainder.
func splitAnyN(s, seps string, n int) []string {
	parts := make([]string, 0, n)
	for len(parts) < n-1 {
		i := strings.IndexAny(s, seps)
		if i < 0 {
			break
		}
		parts = append(parts, s[:i])
		s = s[i+1:]
	}
	return append(parts, s)
}
