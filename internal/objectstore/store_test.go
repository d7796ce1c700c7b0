package objectstore

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(filepath.Join(root, "data"), filepath.Join(root, "scratch"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func publishBytes(t *testing.T, s *Store, study, series, instance string, payload []byte) *PublishResult {
	t.Helper()
	f, scratchPath, err := s.BeginScratch()
	if err != nil {
		t.Fatalf("BeginScratch: %v", err)
	}
	size, hash, err := StreamToScratch(f, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StreamToScratch: %v", err)
	}
	res, err := s.Publish(f, scratchPath, study, series, instance, size, hash)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return res
}

func TestPublish_WriteThenRead(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("payload bytes, opaque to the store")

	res := publishBytes(t, s, "1.2.3", "1.2.3.4", "1.2.3.4.5", payload)
	if res.ByteLength != int64(len(payload)) {
		t.Fatalf("ByteLength = %d, want %d", res.ByteLength, len(payload))
	}

	f, err := s.Read("1.2.3", "1.2.3.4", "1.2.3.4.5")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer f.Close()

	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stored bytes differ from input: got %q, want %q", got, payload)
	}
}

func TestPublish_IdempotentDuplicate(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("identical instance received twice")

	first := publishBytes(t, s, "1.2.3", "1.2.3.4", "1.2.3.4.5", payload)
	second := publishBytes(t, s, "1.2.3", "1.2.3.4", "1.2.3.4.5", payload)

	if first.FullPath != second.FullPath || first.ContentHash != second.ContentHash {
		t.Fatalf("duplicate publish did not resolve to the same object: %+v vs %+v", first, second)
	}

	entries, err := os.ReadDir(s.ScratchDir())
	if err != nil {
		t.Fatalf("ReadDir scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected scratch directory empty after idempotent publish, found %d entries", len(entries))
	}
}

func TestPublish_HashMismatchIsConflict(t *testing.T) {
	s := newTestStore(t)
	publishBytes(t, s, "1.2.3", "1.2.3.4", "1.2.3.4.5", []byte("original content"))

	f, scratchPath, err := s.BeginScratch()
	if err != nil {
		t.Fatalf("BeginScratch: %v", err)
	}
	size, hash, err := StreamToScratch(f, bytes.NewReader([]byte("different content, same instance UID")))
	if err != nil {
		t.Fatalf("StreamToScratch: %v", err)
	}
	_, err = s.Publish(f, scratchPath, "1.2.3", "1.2.3.4", "1.2.3.4.5", size, hash)
	if err != ErrHashMismatch {
		t.Fatalf("Publish error = %v, want ErrHashMismatch", err)
	}

	if _, err := os.Stat(scratchPath); !os.IsNotExist(err) {
		t.Fatalf("scratch file should be removed after hash-mismatch conflict")
	}
}

func TestSweepOrphanScratch(t *testing.T) {
	s := newTestStore(t)

	_, freshPath, err := s.BeginScratch()
	if err != nil {
		t.Fatalf("BeginScratch: %v", err)
	}

	staleFile, stalePath, err := s.BeginScratch()
	if err != nil {
		t.Fatalf("BeginScratch: %v", err)
	}
	staleFile.Close()
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := s.SweepOrphanScratch(24*time.Hour, time.Now())
	if err != nil {
		t.Fatalf("SweepOrphanScratch: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Fatalf("stale scratch file should have been removed")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatalf("fresh scratch file should survive sweep: %v", err)
	}
}

func TestNewPreambleReader_ValidatesMagic(t *testing.T) {
	preamble := make([]byte, PreambleSize)
	stream := append(append([]byte{}, preamble...), []byte("DICM")...)
	stream = append(stream, []byte("dataset bytes follow")...)

	pr, err := NewPreambleReader(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("NewPreambleReader: %v", err)
	}
	if len(pr.Prefix()) != PreambleSize+4 {
		t.Fatalf("Prefix length = %d, want %d", len(pr.Prefix()), PreambleSize+4)
	}

	rest, err := pr.Reader().ReadString(0)
	if err != nil && !strings.Contains(err.Error(), "EOF") {
		t.Fatalf("unexpected error reading remainder: %v", err)
	}
	if rest != "dataset bytes follow" {
		t.Fatalf("remainder = %q, want %q", rest, "dataset bytes follow")
	}
}

func TestNewPreambleReader_RejectsMissingMagic(t *testing.T) {
	preamble := make([]byte, PreambleSize)
	stream := append(append([]byte{}, preamble...), []byte("XXXX")...)

	_, err := NewPreambleReader(bufio.NewReader(bytes.NewReader(stream)))
	if err == nil {
		t.Fatalf("expected error for missing DICM magic")
	}
}

func TestStreamPreambleToScratch_PreservesAllBytes(t *testing.T) {
	s := newTestStore(t)
	preamble := bytes.Repeat([]byte{0x00}, PreambleSize)
	prefix := append(append([]byte{}, preamble...), []byte("DICM")...)
	rest := []byte("remaining dataset bytes")

	f, scratchPath, err := s.BeginScratch()
	if err != nil {
		t.Fatalf("BeginScratch: %v", err)
	}
	size, _, err := StreamPreambleToScratch(f, prefix, bytes.NewReader(rest))
	if err != nil {
		t.Fatalf("StreamPreambleToScratch: %v", err)
	}
	if size != int64(len(prefix)+len(rest)) {
		t.Fatalf("size = %d, want %d", size, len(prefix)+len(rest))
	}

	written, err := os.ReadFile(scratchPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := append(append([]byte{}, prefix...), rest...)
	if !bytes.Equal(written, want) {
		t.Fatalf("scratch contents differ from prefix+rest")
	}
	f.Close()
}
