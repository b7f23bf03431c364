// Package logparse turns raw Minecraft server log lines into classified records.
//
// Only the single-line shape
//
//	[HH:MM:SS] [<thread>/<LEVEL>]: <message>
//
// is recognised. Anything else is rejected without error: blank lines and
// continuation lines (stack traces) are expected and silently dropped.
package logparse

import (
	"strings"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

// timestampWidth is the byte width of the leading "[HH:MM:SS]" field.
const timestampWidth = 10

// Parse converts one line into a record. ok is false when the line does not
// have the expected shape.
func Parse(line string) (rec model.LogRecord, ok bool) {
	if !strings.HasPrefix(line, "[") || len(line) < timestampWidth {
		return model.LogRecord{}, false
	}

	ts := strings.Trim(strings.TrimSpace(line[:timestampWidth]), "[]")
	ts = strings.TrimSpace(ts)

	tag, body, found := strings.Cut(line[timestampWidth:], ":")
	if !found {
		return model.LogRecord{}, false
	}

	level := ParseLevelTag(tag)
	body = strings.TrimSpace(body)
	class := Classify(body)

	return model.LogRecord{
		Time:          ts,
		Level:         level,
		Class:         class,
		Message:       body,
		StatusMessage: FormatStatus(ts, level, StatusText(class, body)),
	}, true
}
