// Package filter decides which subscribers receive a record.
package filter

import "github.com/tinytelemetry/mcwatch/internal/model"

// ShouldForward reports whether rec matches sub. Level and class rules are
// OR-ed: either membership is enough.
func ShouldForward(rec model.LogRecord, sub model.Notification) bool {
	return sub.IncludeLevel.Contains(rec.Level) || sub.IncludeClass.Contains(rec.Class)
}

// Route returns one message per subscriber that accepts rec, in subscriber order.
func Route(rec model.LogRecord, subs []model.Notification) []model.Message {
	var out []model.Message
	for _, sub := range subs {
		if ShouldForward(rec, sub) {
			out = append(out, model.Message{
				Destination: sub.Name,
				Content:     rec.StatusMessage,
			})
		}
	}
	return out
}
