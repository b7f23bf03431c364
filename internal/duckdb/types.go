package duckdb

import "github.com/tinytelemetry/mcwatch/internal/model"

// Aliases so store signatures read naturally inside this package.
type StoredRecord = model.StoredRecord
type RecordFilter = model.RecordFilter
type CountByValue = model.CountByValue

var (
	_ model.RecordWriter = (*Store)(nil)
	_ model.RecordReader = (*Store)(nil)
)
