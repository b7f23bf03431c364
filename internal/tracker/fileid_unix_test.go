//go:build unix

package tracker

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCurrentIdentity_ChangesWhenReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	first, err := CurrentIdentity(path)
	if err != nil {
		t.Fatalf("CurrentIdentity: %v", err)
	}
	if first == (FileID{}) {
		t.Fatal("CurrentIdentity returned the zero FileID")
	}

	if err := os.Rename(path, filepath.Join(dir, "rotated.log")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := os.WriteFile(path, []byte("y\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	second, err := CurrentIdentity(path)
	if err != nil {
		t.Fatalf("CurrentIdentity: %v", err)
	}
	if first == second {
		t.Fatalf("identity unchanged after replace: %+v", first)
	}
}

func TestOpen_AutoResolvesToIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tr, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()
	if tr.Mode() != RotationIdentity {
		t.Fatalf("Mode = %v, want %v", tr.Mode(), RotationIdentity)
	}
}

func TestPoll_IdentityModeFlagsInPlaceTruncation(t *testing.T) {
	var logs bytes.Buffer
	log.SetOutput(&logs)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	clock := newTouchClock()
	path := filepath.Join(t.TempDir(), "latest.log")
	writeFile(t, clock, path, "[00:00:00] [Server thread/INFO]: before truncation\n")

	tr := openTracker(t, path, Options{Rotation: RotationIdentity})
	before := tr.Offset()

	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	appendFile(t, clock, path, "[00:00:01] [a/INFO]: new\n")

	lines, err := tr.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(lines) != 0 {
		t.Fatalf("Poll lines = %q, want none in identity mode", lines)
	}
	if !tr.Truncated() {
		t.Fatal("Truncated = false after in-place truncation")
	}
	if tr.Offset() != before {
		t.Fatalf("Offset = %d, want %d", tr.Offset(), before)
	}
	if !strings.Contains(logs.String(), "rotation: size") {
		t.Fatalf("log = %q, want a hint to use rotation: size", logs.String())
	}

	// Warned once per truncation.
	appendFile(t, clock, path, "[00:00:02] x\n")
	if _, err := tr.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n := strings.Count(logs.String(), "shrank"); n != 1 {
		t.Fatalf("truncation warnings = %d, want 1", n)
	}
}

func TestPoll_RotationDropsUnpolledTailOfOldFile(t *testing.T) {
	clock := newTouchClock()
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	writeFile(t, clock, path, "")

	tr := openTracker(t, path, Options{Rotation: RotationIdentity})
	appendFile(t, clock, path, "[00:00:01] [a/INFO]: half")

	// The carried fragment and the line finished after it are never read
	// once the file is moved aside.
	if got := mustPoll(t, tr); got != nil {
		t.Fatalf("Poll = %q, want nil while the line is unterminated", got)
	}
	appendFile(t, clock, path, " done\n[00:00:02] [a/INFO]: last words\n")
	if err := os.Rename(path, filepath.Join(dir, "old.log")); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	writeFile(t, clock, path, "[00:00:03] [a/INFO]: fresh\n")

	if got := mustPoll(t, tr); len(got) != 1 || got[0] != "[00:00:03] [a/INFO]: fresh" {
		t.Fatalf("Poll after rotation = %q, want only the replacement line", got)
	}
}
