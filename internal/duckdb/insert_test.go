package duckdb

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/mcwatch/internal/journal"
	"github.com/tinytelemetry/mcwatch/internal/model"
)

func TestInsertBuffer_AddAndStop(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	for i := 0; i < 10; i++ {
		buf.Add(rec(model.LevelInfo, model.ClassUserJoined, "Player joined the game", time.Now()))
	}

	// Stop flushes everything still pending.
	buf.Stop()

	count, err := store.TotalRecordCount()
	if err != nil {
		t.Fatalf("TotalRecordCount: %v", err)
	}
	if count != 10 {
		t.Errorf("after Stop, TotalRecordCount = %d, want 10", count)
	}
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 50, FlushInterval: time.Hour})

	for i := 0; i < 120; i++ {
		buf.Add(rec(model.LevelInfo, model.ClassOther, "batch test", time.Now()))
	}
	buf.Stop()

	count, err := store.TotalRecordCount()
	if err != nil {
		t.Fatalf("TotalRecordCount: %v", err)
	}
	if count != 120 {
		t.Errorf("after batch insert, TotalRecordCount = %d, want 120", count)
	}
}

func TestInsertBuffer_ConcurrentAdd(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 50

	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < recordsPerGoroutine; i++ {
				buf.Add(rec(model.LevelInfo, model.ClassOther, "concurrent test", time.Now()))
			}
		}()
	}

	wg.Wait()
	buf.Stop()

	expected := int64(numGoroutines * recordsPerGoroutine)
	count, err := store.TotalRecordCount()
	if err != nil {
		t.Fatalf("TotalRecordCount: %v", err)
	}
	if count != expected {
		t.Errorf("concurrent insert TotalRecordCount = %d, want %d", count, expected)
	}
}

func TestInsertBuffer_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	buf.Add(rec(model.LevelInfo, model.ClassOther, "idempotent stop", time.Now()))

	buf.Stop()
	buf.Stop()

	count, err := store.TotalRecordCount()
	if err != nil {
		t.Fatalf("TotalRecordCount: %v", err)
	}
	if count != 1 {
		t.Errorf("after double Stop, TotalRecordCount = %d, want 1", count)
	}
}

func TestInsertBuffer_JournalCommitsAfterFlush(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "history.journal")
	j, err := journal.Open(path, journal.Options{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}

	buf := NewInsertBuffer(store, InsertBufferConfig{Journal: j})
	buf.Add(rec(model.LevelInfo, model.ClassServerStart, "Done (1s)!", time.Now()))
	buf.Add(rec(model.LevelInfo, model.ClassServerStop, "Stopping server", time.Now()))
	buf.Stop()

	if got := j.Committed(); got == 0 {
		t.Fatal("journal Committed = 0 after Stop, want the flushed batch")
	}
	j2, err := journal.Open(path, journal.Options{})
	if err != nil {
		t.Fatalf("journal reopen: %v", err)
	}
	defer j2.Close()
	if got := j2.Pending(); got != 0 {
		t.Fatalf("journal Pending after reopen = %d, want 0", got)
	}
}

// failingWriter rejects every batch.
type failingWriter struct{}

func (failingWriter) InsertRecords([]*StoredRecord) error { return errors.New("disk full") }

func TestReplayJournal_WritesUncommittedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.journal")
	j, err := journal.Open(path, journal.Options{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}

	// Records journaled but never stored, as after a crash.
	buf := NewInsertBuffer(failingWriter{}, InsertBufferConfig{Journal: j})
	buf.Add(rec(model.LevelInfo, model.ClassUserJoined, "alice joined the game", time.Now()))
	buf.Add(rec(model.LevelInfo, model.ClassUserLeft, "alice left the game", time.Now()))
	buf.Stop()

	j2, err := journal.Open(path, journal.Options{})
	if err != nil {
		t.Fatalf("journal reopen: %v", err)
	}
	defer j2.Close()

	store := newTestStore(t)
	n, err := ReplayJournal(j2, store)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if n != 2 {
		t.Fatalf("ReplayJournal replayed %d, want 2", n)
	}
	got, err := store.RecentRecords(10, RecordFilter{})
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(got) != 2 || got[0].Message != "alice left the game" {
		t.Fatalf("replayed rows = %+v", got)
	}

	again, err := ReplayJournal(j2, store)
	if err != nil {
		t.Fatalf("second ReplayJournal: %v", err)
	}
	if again != 0 {
		t.Fatalf("second ReplayJournal replayed %d, want 0", again)
	}
}

func TestReplayJournal_StoredButUncommittedBatchIsNotDuplicated(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(t.TempDir(), "history.journal")
	j, err := journal.Open(path, journal.Options{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}

	batch := []*StoredRecord{
		rec(model.LevelInfo, model.ClassServerVersion, "Starting minecraft server version 1.20.4", time.Now()),
		rec(model.LevelInfo, model.ClassServerStart, "Done (4.2s)!", time.Now()),
	}
	batch[0].EventID = "evt-version"
	batch[1].EventID = "evt-start"
	if _, err := j.Stage(batch); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	// Stored, then killed before the journal commit.
	if err := store.InsertRecords(batch); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("journal Close: %v", err)
	}

	j2, err := journal.Open(path, journal.Options{})
	if err != nil {
		t.Fatalf("journal reopen: %v", err)
	}
	defer j2.Close()
	if _, err := ReplayJournal(j2, store); err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}

	total, err := store.TotalRecordCount()
	if err != nil {
		t.Fatalf("TotalRecordCount: %v", err)
	}
	if total != 2 {
		t.Fatalf("TotalRecordCount after replay = %d, want 2", total)
	}
}

func TestInsertRecords_SkipsKnownEventIDs(t *testing.T) {
	store := newTestStore(t)
	first := rec(model.LevelError, model.ClassOther, "Exception in server tick loop", time.Now())
	first.EventID = "evt-1"
	if err := store.InsertRecords([]*StoredRecord{first}); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}

	again := *first
	other := rec(model.LevelInfo, model.ClassUserJoined, "bob joined the game", time.Now())
	other.EventID = "evt-2"
	if err := store.InsertRecords([]*StoredRecord{&again, other}); err != nil {
		t.Fatalf("InsertRecords again: %v", err)
	}

	total, err := store.TotalRecordCount()
	if err != nil {
		t.Fatalf("TotalRecordCount: %v", err)
	}
	if total != 2 {
		t.Fatalf("TotalRecordCount = %d, want 2", total)
	}
}

// blockingWriter holds every InsertRecords call until release is closed.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	written int
}

func (w *blockingWriter) InsertRecords(records []*StoredRecord) error {
	<-w.release
	w.mu.Lock()
	w.written += len(records)
	w.mu.Unlock()
	return nil
}

func TestInsertBuffer_AddDoesNotWaitOnSlowWriter(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	j, err := journal.Open(filepath.Join(t.TempDir(), "history.journal"), journal.Options{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	buf := NewInsertBuffer(w, InsertBufferConfig{
		BatchSize:      1,
		FlushInterval:  time.Millisecond,
		FlushQueueSize: 1,
		Journal:        j,
	})

	const total = 200
	added := make(chan struct{})
	go func() {
		defer close(added)
		for i := 0; i < total; i++ {
			buf.Add(rec(model.LevelInfo, model.ClassOther, "Saving chunks for level", time.Now()))
		}
	}()

	select {
	case <-added:
	case <-time.After(5 * time.Second):
		close(w.release)
		t.Fatal("Add blocked while the writer was stalled")
	}

	close(w.release)
	buf.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written != total {
		t.Fatalf("written = %d, want %d", w.written, total)
	}
	if got := buf.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}
}

func TestInsertBuffer_DropsPastMaxPending(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	buf := NewInsertBuffer(w, InsertBufferConfig{
		BatchSize:     100,
		FlushInterval: time.Hour,
		MaxPending:    3,
	})

	for i := 0; i < 5; i++ {
		buf.Add(rec(model.LevelInfo, model.ClassOther, "overflow", time.Now()))
	}
	if got := buf.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}

	close(w.release)
	buf.Stop()
	if w.written != 3 {
		t.Fatalf("written = %d, want 3", w.written)
	}
}

func TestInsertBuffer_AssignsEventIDs(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	r := rec(model.LevelInfo, model.ClassUserJoined, "alice joined the game", time.Now())
	buf.Add(r)
	if r.EventID == "" {
		t.Fatal("Add did not assign an EventID")
	}
	kept := rec(model.LevelInfo, model.ClassUserLeft, "alice left the game", time.Now())
	kept.EventID = "fixed-id"
	buf.Add(kept)
	buf.Stop()

	got, err := store.RecentRecords(10, RecordFilter{})
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("RecentRecords returned %d rows, want 2", len(got))
	}
	if got[0].EventID != "fixed-id" {
		t.Errorf("newest EventID = %q, want fixed-id", got[0].EventID)
	}
	if got[1].EventID != r.EventID {
		t.Errorf("oldest EventID = %q, want %q", got[1].EventID, r.EventID)
	}
}
