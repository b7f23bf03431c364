package model

// IngestEnvelope carries the lines yielded by one poll of a tailed file.
// It is the contract between the tracker and the parse stage.
type IngestEnvelope struct {
	Source string
	Lines  []string
}
