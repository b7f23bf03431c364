package duckdb

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

// DefaultRecentLimit bounds RecentRecords when the caller passes no limit.
const DefaultRecentLimit = 100

// MaxRecentLimit is the largest page RecentRecords will return.
const MaxRecentLimit = 1000

// recordFilter returns a WHERE clause and args for f.
func recordFilter(f RecordFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Level != nil {
		conds = append(conds, "level = ?")
		args = append(args, f.Level.String())
	}
	if f.Class != nil {
		conds = append(conds, "class = ?")
		args = append(args, f.Class.String())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// RecentRecords returns up to limit records, newest first.
func (s *Store) RecentRecords(limit int, f RecordFilter) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := recordFilter(f)
	query := fmt.Sprintf(`
		SELECT event_id, observed_at, log_time, level, class, message, status_message, source
		FROM records %s
		ORDER BY id DESC
		LIMIT ?`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StoredRecord
	for rows.Next() {
		var (
			r            StoredRecord
			observed     time.Time
			level, class string
		)
		if err := rows.Scan(&r.EventID, &observed, &r.Time, &level, &class, &r.Message, &r.StatusMessage, &r.Source); err != nil {
			log.Printf("duckdb scan error (RecentRecords): %v", err)
			continue
		}
		r.ObservedAt = observed
		// Unknown names map to Other.
		r.Level, _ = model.ParseLogLevel(level)
		r.Class, _ = model.ParseLogClass(class)
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountsByClass returns record counts grouped by class, largest first.
func (s *Store) CountsByClass() ([]CountByValue, error) {
	return s.countsBy("class")
}

// CountsByLevel returns record counts grouped by level, largest first.
func (s *Store) CountsByLevel() ([]CountByValue, error) {
	return s.countsBy("level")
}

// countsBy groups on a fixed column name; it is never user input.
func (s *Store) countsBy(column string) ([]CountByValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %[1]s, COUNT(*) AS count
		FROM records
		GROUP BY %[1]s
		ORDER BY count DESC, %[1]s ASC`, column)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []CountByValue{}
	for rows.Next() {
		var c CountByValue
		if err := rows.Scan(&c.Value, &c.Count); err != nil {
			log.Printf("duckdb scan error (countsBy %s): %v", column, err)
			continue
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// TotalRecordCount returns the number of stored records.
func (s *Store) TotalRecordCount() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}
