package duckdb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/mcwatch/internal/journal"
	"github.com/tinytelemetry/mcwatch/internal/model"
)

// Insert buffer defaults.
const (
	DefaultBatchSize      = 500
	DefaultFlushInterval  = 500 * time.Millisecond
	DefaultFlushQueueSize = 64
	DefaultMaxPending     = 50_000
)

// stagedBatch is a batch handed to the flush worker. n is its journal batch
// number, zero when it was not journaled.
type stagedBatch struct {
	n       uint64
	records []*StoredRecord
}

type stagingJournal interface {
	Stage(records []*model.StoredRecord) (uint64, error)
	Commit(n uint64) error
	Close() error
}

// InsertBuffer batches parsed records and writes them to DuckDB in the
// background. Add only appends to memory; journal staging and store writes
// happen on the buffer's own goroutines, so the monitor tick never waits on
// disk.
type InsertBuffer struct {
	writer        model.RecordWriter
	mu            sync.Mutex
	pending       []*StoredRecord
	kick          chan struct{}
	flushChan     chan stagedBatch
	maxBatch      int
	maxPending    int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	stopOnce      sync.Once
	journal       stagingJournal

	dropped           atomic.Int64
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64 // unix seconds
	lastDropLog       atomic.Int64 // unix seconds
}

// InsertBufferConfig holds tunable parameters for the insert buffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	// MaxPending caps records held in memory while the store is behind.
	// Records past the cap are dropped and counted.
	MaxPending int
	Journal    *journal.Journal
}

// NewInsertBuffer creates a buffer that flushes to writer.
func NewInsertBuffer(writer model.RecordWriter, conf ...InsertBufferConfig) *InsertBuffer {
	var c InsertBufferConfig
	if len(conf) > 0 {
		c = conf[0]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.FlushQueueSize <= 0 {
		c.FlushQueueSize = DefaultFlushQueueSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}

	b := &InsertBuffer{
		writer:        writer,
		pending:       make([]*StoredRecord, 0, c.BatchSize),
		kick:          make(chan struct{}, 1),
		flushChan:     make(chan stagedBatch, c.FlushQueueSize),
		maxBatch:      c.BatchSize,
		maxPending:    c.MaxPending,
		flushInterval: c.FlushInterval,
		done:          make(chan struct{}),
	}
	if c.Journal != nil {
		b.journal = c.Journal
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

// tickLoop drains pending records on every interval, on a full batch, and
// once more at Stop.
func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.kick:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logEvery logs at most once per 10 seconds per counter.
func logEvery(last *atomic.Int64, format string, args ...any) {
	now := time.Now().Unix()
	prev := last.Load()
	if now-prev >= 10 && last.CompareAndSwap(prev, now) {
		log.Printf(format, args...)
	}
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	records := b.pending
	b.pending = make([]*StoredRecord, 0, b.maxBatch)
	b.mu.Unlock()

	for len(records) > 0 {
		n := min(len(records), b.maxBatch)
		b.enqueue(b.stage(records[:n]))
		records = records[n:]
	}
}

// stage writes records to the journal, if any, before they are queued.
func (b *InsertBuffer) stage(records []*StoredRecord) stagedBatch {
	sb := stagedBatch{records: records}
	if b.journal == nil {
		return sb
	}
	n, err := b.journal.Stage(records)
	if err != nil {
		log.Printf("duckdb: journal stage failed, %d records not journaled: %v", len(records), err)
		return sb
	}
	sb.n = n
	return sb
}

// enqueue hands sb to the flush worker, or flushes it on the drain
// goroutine when the worker is behind.
func (b *InsertBuffer) enqueue(sb stagedBatch) {
	select {
	case b.flushChan <- sb:
	default:
		count := b.backpressureCount.Add(1)
		logEvery(&b.lastBPLog, "duckdb: backpressure, %d inline flushes (flush channel full)", count)
		if err := b.flushBatch(sb); err != nil {
			log.Printf("duckdb flush error (inline): %v", err)
		}
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for sb := range b.flushChan {
		if err := b.flushBatch(sb); err != nil {
			log.Printf("duckdb flush error: %v", err)
		}
	}
}

// Add queues a record for batch insertion and returns without IO. Records
// without an EventID get one here. When MaxPending records are already
// waiting the record is dropped.
func (b *InsertBuffer) Add(record *StoredRecord) {
	if record == nil {
		return
	}
	if record.EventID == "" {
		record.EventID = uuid.NewString()
	}

	b.mu.Lock()
	if len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		n := b.dropped.Add(1)
		logEvery(&b.lastDropLog, "duckdb: history backlog full, %d records dropped", n)
		return
	}
	b.pending = append(b.pending, record)
	full := len(b.pending) >= b.maxBatch
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Dropped returns how many records Add discarded because the backlog was full.
func (b *InsertBuffer) Dropped() int64 {
	return b.dropped.Load()
}

// Stop flushes remaining records and waits for all writes to complete.
// It is safe to call more than once.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// tickLoop's final drain must land before flushChan closes.
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
		if b.journal != nil {
			if err := b.journal.Close(); err != nil {
				log.Printf("duckdb: journal close error: %v", err)
			}
		}
	})
}

func (b *InsertBuffer) flushBatch(sb stagedBatch) error {
	if len(sb.records) == 0 {
		return nil
	}
	if err := b.writer.InsertRecords(sb.records); err != nil {
		return err
	}
	if b.journal != nil && sb.n > 0 {
		if err := b.journal.Commit(sb.n); err != nil {
			return fmt.Errorf("journal commit batch=%d: %w", sb.n, err)
		}
	}
	return nil
}

// InsertRecords writes a batch in a single transaction. Records whose
// EventID is already stored are skipped. If the batch fails it is retried
// record by record and the failures are dropped and logged.
func (s *Store) InsertRecords(records []*StoredRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.insertBatchTx(ctx, records)
	if err == nil {
		return nil
	}

	var failed int
	for _, r := range records {
		if rerr := s.insertBatchTx(ctx, []*StoredRecord{r}); rerr != nil {
			failed++
			log.Printf("duckdb: dropping record (class=%s msg=%.80s): %v", r.Class, r.Message, rerr)
		}
	}
	if failed > 0 {
		log.Printf("duckdb: batch partially failed, %d/%d records dropped", failed, len(records))
	}
	return nil
}

func (s *Store) insertBatchTx(ctx context.Context, records []*StoredRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (event_id, observed_at, log_time, level, class, message, status_message, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		observed := r.ObservedAt
		if observed.IsZero() {
			observed = time.Now()
		}
		eventID := r.EventID
		if eventID == "" {
			eventID = uuid.NewString()
		}
		if _, err := stmt.ExecContext(ctx,
			eventID, observed.UTC(), r.Time, r.Level.String(), r.Class.String(),
			r.Message, r.StatusMessage, r.Source,
		); err != nil {
			return fmt.Errorf("record insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ReplayJournal writes every uncommitted journal batch to writer and commits
// it. It runs before the insert buffer starts so replayed records keep their
// original order. Records already in the store are skipped by InsertRecords.
func ReplayJournal(j *journal.Journal, writer model.RecordWriter) (int, error) {
	if j == nil {
		return 0, nil
	}
	replayed := 0
	err := j.Replay(func(n uint64, records []*model.StoredRecord) error {
		if err := writer.InsertRecords(records); err != nil {
			return fmt.Errorf("replay batch %d: %w", n, err)
		}
		if err := j.Commit(n); err != nil {
			return err
		}
		replayed += len(records)
		return nil
	})
	return replayed, err
}
