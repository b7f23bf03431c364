package ingest

import "github.com/tinytelemetry/mcwatch/internal/model"

// RecordSink receives every parsed record, forwarded or not.
// Add must not block on IO.
type RecordSink interface {
	Add(record *model.StoredRecord)
}

// EnvelopeProcessor turns the lines of one poll into records.
type EnvelopeProcessor interface {
	ProcessEnvelope(model.IngestEnvelope) []model.LogRecord
}
