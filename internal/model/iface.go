package model

// RecordFilter narrows history queries. Nil fields match everything.
type RecordFilter struct {
	Level *LogLevel
	Class *LogClass
}

// RecordWriter provides append-oriented writes of parsed records.
type RecordWriter interface {
	InsertRecords(records []*StoredRecord) error
}

// RecordReader provides the read-side queries used by the status API.
type RecordReader interface {
	RecentRecords(limit int, filter RecordFilter) ([]StoredRecord, error)
	CountsByClass() ([]CountByValue, error)
	CountsByLevel() ([]CountByValue, error)
	TotalRecordCount() (int64, error)
}
