package ingest

import (
	"time"

	"github.com/tinytelemetry/mcwatch/internal/logparse"
	"github.com/tinytelemetry/mcwatch/internal/model"
)

// Processor runs the line parser over polled lines and copies each record
// to an optional history sink.
type Processor struct {
	sink RecordSink
	now  func() time.Time
}

// NewProcessor creates a processor. sink may be nil.
func NewProcessor(sink RecordSink) *Processor {
	return &Processor{sink: sink, now: time.Now}
}

var _ EnvelopeProcessor = (*Processor)(nil)

// ProcessEnvelope parses lines in order. Lines that do not have the expected
// shape are dropped without logging.
func (p *Processor) ProcessEnvelope(env model.IngestEnvelope) []model.LogRecord {
	if len(env.Lines) == 0 {
		return nil
	}
	observed := p.now()
	records := make([]model.LogRecord, 0, len(env.Lines))
	for _, line := range env.Lines {
		rec, ok := logparse.Parse(line)
		if !ok {
			continue
		}
		records = append(records, rec)
		if p.sink != nil {
			p.sink.Add(&model.StoredRecord{
				LogRecord:  rec,
				ObservedAt: observed,
				Source:     env.Source,
			})
		}
	}
	return records
}
