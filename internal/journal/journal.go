// Package journal stages history batches on disk until the record store has
// accepted them. A crash between staging and the store write loses nothing:
// the next start replays whatever was never committed.
//
// The journal file holds one JSON line per batch. Commit progress is a
// single batch number kept in a sidecar file next to it.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tinytelemetry/mcwatch/internal/model"
)

const fileMode = 0o644

// Options tune Open.
type Options struct {
	// Retention drops staged records observed longer ago than this when the
	// journal is opened, matching the store's retention window. Zero keeps
	// every staged record.
	Retention time.Duration
}

type batch struct {
	Batch   uint64               `json:"batch"`
	Staged  time.Time            `json:"staged"`
	Records []model.StoredRecord `json:"records"`
}

// Journal is safe for concurrent use.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	next       uint64
	committed  uint64
	pending    int
}

// Open creates or opens the journal at path. Committed batches and records
// older than opts.Retention are compacted away before the file is reused.
func Open(path string, opts Options) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if opts.Retention > 0 {
		cutoff = time.Now().Add(-opts.Retention)
	}
	last, pending, err := compact(path, committed, cutoff)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		next:       max(last, committed) + 1,
		committed:  committed,
		pending:    pending,
	}, nil
}

// Stage writes records as one batch with a single fsync and returns the
// batch number to pass to Commit once the store holds them.
func (j *Journal) Stage(records []*model.StoredRecord) (uint64, error) {
	if len(records) == 0 {
		return 0, errors.New("journal: empty batch")
	}
	b := batch{Staged: time.Now().UTC(), Records: make([]model.StoredRecord, 0, len(records))}
	for _, r := range records {
		if r != nil {
			b.Records = append(b.Records, *r)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	b.Batch = j.next
	line, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("journal: marshal batch: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("journal: write batch %d: %w", b.Batch, err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync batch %d: %w", b.Batch, err)
	}
	j.next++
	return b.Batch, nil
}

// Commit marks every batch up to and including n as stored.
func (j *Journal) Commit(n uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, n); err != nil {
		return err
	}
	j.committed = n
	return nil
}

// Committed returns the highest committed batch number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Pending returns the number of uncommitted records found when the journal
// was opened.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending
}

// Replay calls fn once per uncommitted batch in batch order. A record whose
// EventID already appeared earlier in the replay is left out, and a batch
// left empty by that is skipped. Reading stops quietly at a torn line.
func (j *Journal) Replay(fn func(n uint64, records []*model.StoredRecord) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}
	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	return scan(f, func(b batch, _ []byte) error {
		if b.Batch <= committed {
			return nil
		}
		records := make([]*model.StoredRecord, 0, len(b.Records))
		for i := range b.Records {
			r := &b.Records[i]
			if r.EventID != "" {
				if _, dup := seen[r.EventID]; dup {
					continue
				}
				seen[r.EventID] = struct{}{}
			}
			records = append(records, r)
		}
		if len(records) == 0 {
			return nil
		}
		return fn(b.Batch, records)
	})
}

// Close closes the journal file. Stage fails afterwards.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan decodes complete batch lines from r in order and hands each, with its
// raw line, to fn. A line without a trailing newline or that does not decode
// ends the scan without error.
func scan(r io.Reader, fn func(b batch, line []byte) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}
		var b batch
		if json.Unmarshal(line, &b) != nil {
			return nil
		}
		if ferr := fn(b, line); ferr != nil {
			return ferr
		}
	}
}

// compact rewrites path keeping only uncommitted batches, minus records
// observed before cutoff. It returns the highest batch number seen and the
// number of records kept.
func compact(path string, committed uint64, cutoff time.Time) (last uint64, kept int, err error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return 0, 0, fmt.Errorf("journal: open for compaction: %w", err)
	}
	defer src.Close()

	var out []byte
	err = scan(src, func(b batch, line []byte) error {
		last = max(last, b.Batch)
		if b.Batch <= committed {
			return nil
		}
		if cutoff.IsZero() {
			kept += len(b.Records)
			out = append(out, line...)
			return nil
		}
		fresh := b.Records[:0]
		for _, r := range b.Records {
			if r.ObservedAt.IsZero() || !r.ObservedAt.Before(cutoff) {
				fresh = append(fresh, r)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		b.Records = fresh
		encoded, merr := json.Marshal(b)
		if merr != nil {
			return fmt.Errorf("journal: marshal batch %d: %w", b.Batch, merr)
		}
		kept += len(fresh)
		out = append(append(out, encoded...), '\n')
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if err := writeFileSync(path, out); err != nil {
		return 0, 0, fmt.Errorf("journal: compact: %w", err)
	}
	return last, kept, nil
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit file: %w", err)
	}
	return n, nil
}

func writeCommitted(path string, n uint64) error {
	if err := writeFileSync(path, []byte(strconv.FormatUint(n, 10)+"\n")); err != nil {
		return fmt.Errorf("journal: write commit file: %w", err)
	}
	return nil
}

// writeFileSync replaces path with data through a synced temp file and a
// rename, so readers see either the old or the new content.
func writeFileSync(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, fileMode)
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
	}
	return err
}
