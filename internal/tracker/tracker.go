// Package tracker follows a single append-only log file across rotations.
//
// A Tracker owns one open handle and a read cursor. Each Poll does a
// metadata check and, when the file changed, reads everything appended since
// the previous poll. Rotation (the producer moving the file aside and
// creating a new one at the same path) is detected by comparing file
// identity, or by a shrinking size where identity is not available.
//
// A Tracker is not safe for concurrent use; one goroutine owns it.
package tracker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultMaxLineSize bounds the unterminated fragment carried between polls.
const DefaultMaxLineSize = 1024 * 1024 // 1MB

// ErrDecode marks appended data that is not valid UTF-8. The data is
// treated as empty for that poll.
var ErrDecode = errors.New("tracker: appended data is not valid utf-8")

// ErrLineTooLong marks an unterminated fragment that outgrew MaxLineSize.
var ErrLineTooLong = errors.New("tracker: line exceeds max size")

// RotationMode selects how a replaced file is detected.
type RotationMode int

const (
	// RotationAuto uses identity where the platform supports it, else size.
	RotationAuto RotationMode = iota
	// RotationIdentity compares the device/inode of the path with the open handle.
	RotationIdentity
	// RotationSize treats a path size below the cursor as a rotation.
	RotationSize
)

func (m RotationMode) String() string {
	switch m {
	case RotationAuto:
		return "auto"
	case RotationIdentity:
		return "identity"
	case RotationSize:
		return "size"
	default:
		return fmt.Sprintf("RotationMode(%d)", int(m))
	}
}

// ParseRotationMode resolves a configured mode name.
func ParseRotationMode(name string) (RotationMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return RotationAuto, nil
	case "identity", "inode":
		return RotationIdentity, nil
	case "size":
		return RotationSize, nil
	default:
		return RotationAuto, fmt.Errorf("unknown rotation mode %q", name)
	}
}

// FileID is the platform identity of a file. Zero means unknown.
type FileID struct {
	Dev uint64
	Ino uint64
}

// Options tune Open.
type Options struct {
	// FromStart reads the existing content on the first poll instead of
	// starting at end of file.
	FromStart   bool
	Rotation    RotationMode
	MaxLineSize int
}

// PollError is a recoverable failure of one poll. The tracker state is left
// unchanged so the next poll retries.
type PollError struct {
	Op   string
	Path string
	Err  error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("tracker: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// Tracker holds the open handle, identity, modification time, and cursor.
type Tracker struct {
	path        string
	mode        RotationMode
	maxLineSize int

	file         *os.File
	id           FileID
	lastModified time.Time
	offset       int64
	partial      []byte
	truncated    bool
}

// Open opens path for tailing. The cursor starts at end of file unless
// opts.FromStart is set.
func Open(path string, opts Options) (*Tracker, error) {
	mode, err := resolveMode(opts.Rotation)
	if err != nil {
		return nil, err
	}
	maxLine := opts.MaxLineSize
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}

	f, fi, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("tracker: open %s: %w", path, err)
	}
	id, _ := fileIdentity(fi)

	t := &Tracker{
		path:        path,
		mode:        mode,
		maxLineSize: maxLine,
		file:        f,
		id:          id,
	}
	if !opts.FromStart {
		offset, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("tracker: seek %s: %w", path, err)
		}
		t.offset = offset
		t.lastModified = fi.ModTime()
	}
	return t, nil
}

func resolveMode(mode RotationMode) (RotationMode, error) {
	switch mode {
	case RotationAuto:
		if identitySupported {
			return RotationIdentity, nil
		}
		return RotationSize, nil
	case RotationIdentity:
		if !identitySupported {
			return mode, errors.New("tracker: identity rotation is not supported on this platform")
		}
		return mode, nil
	case RotationSize:
		return mode, nil
	default:
		return mode, fmt.Errorf("tracker: invalid rotation mode %d", int(mode))
	}
}

func openFile(path string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, fi, nil
}

// Path returns the tracked path.
func (t *Tracker) Path() string { return t.path }

// Mode returns the resolved rotation mode.
func (t *Tracker) Mode() RotationMode { return t.mode }

// Identity returns the identity of the currently open file.
func (t *Tracker) Identity() FileID { return t.id }

// Offset returns the number of bytes consumed from the current file.
func (t *Tracker) Offset() int64 { return t.offset }

// Truncated reports whether the open file was last seen shorter than the
// cursor while keeping its identity. Identity mode does not follow in-place
// truncation; copytruncate setups need RotationSize.
func (t *Tracker) Truncated() bool { return t.truncated }

// CurrentIdentity returns the identity of whatever file is at path now.
func CurrentIdentity(path string) (FileID, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileID{}, err
	}
	id, ok := fileIdentity(fi)
	if !ok {
		return FileID{}, errors.New("tracker: file identity not available")
	}
	return id, nil
}

// Poll returns the complete lines appended since the previous poll. It
// returns nil without reading when the modification time is unchanged.
// A *PollError or an error wrapping ErrDecode is recoverable.
func (t *Tracker) Poll() ([]string, error) {
	fi, err := t.file.Stat()
	if err != nil {
		return nil, &PollError{Op: "stat", Path: t.path, Err: err}
	}

	rotated, err := t.rotated()
	if err != nil {
		return nil, &PollError{Op: "stat", Path: t.path, Err: err}
	}
	if rotated {
		return t.reopen()
	}
	t.checkTruncated(fi.Size())

	modified := fi.ModTime()
	if modified.Equal(t.lastModified) {
		return nil, nil
	}
	lines, err := t.readAppended()
	if err != nil {
		var pe *PollError
		if errors.As(err, &pe) {
			return nil, err
		}
	}
	t.lastModified = modified
	return lines, err
}

func (t *Tracker) rotated() (bool, error) {
	switch t.mode {
	case RotationIdentity:
		current, err := CurrentIdentity(t.path)
		if err != nil {
			return false, err
		}
		return current != t.id, nil
	default:
		fi, err := os.Stat(t.path)
		if err != nil {
			return false, err
		}
		return fi.Size() < t.offset, nil
	}
}

func (t *Tracker) checkTruncated(size int64) {
	if t.mode != RotationIdentity {
		return
	}
	if size >= t.offset {
		t.truncated = false
		return
	}
	if !t.truncated {
		log.Printf("tracker: %s shrank to %d bytes below offset %d without being replaced; "+
			"lines are skipped until it grows past the offset (use rotation: size for copytruncate)",
			t.path, size, t.offset)
	}
	t.truncated = true
}

// reopen replaces the handle with a fresh one at path. The new file may
// already hold content, so it is read from the beginning.
func (t *Tracker) reopen() ([]string, error) {
	f, fi, err := openFile(t.path)
	if err != nil {
		return nil, &PollError{Op: "reopen", Path: t.path, Err: err}
	}
	_ = t.file.Close()

	id, _ := fileIdentity(fi)
	t.file = f
	t.id = id
	t.offset = 0
	t.partial = nil
	t.truncated = false
	t.lastModified = fi.ModTime()
	return t.readAppended()
}

// readAppended reads from the cursor to EOF and splits complete lines.
func (t *Tracker) readAppended() ([]string, error) {
	data, err := io.ReadAll(t.file)
	t.offset += int64(len(data))
	buf := append(t.partial, data...)
	t.partial = nil
	if err != nil {
		t.partial = buf
		return nil, &PollError{Op: "read", Path: t.path, Err: err}
	}

	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		if len(buf) > t.maxLineSize {
			return nil, fmt.Errorf("%w (%d bytes), fragment dropped", ErrLineTooLong, len(buf))
		}
		t.partial = buf
		return nil, nil
	}
	if rest := buf[end+1:]; len(rest) > 0 {
		t.partial = append([]byte(nil), rest...)
	}

	complete := buf[:end]
	if !utf8.Valid(complete) {
		return nil, fmt.Errorf("%w (%d bytes at offset %d)", ErrDecode, len(complete), t.offset-int64(len(buf)))
	}
	lines := strings.Split(string(complete), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines, nil
}

// Close releases the file handle.
func (t *Tracker) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
