package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.bin")

	if err := Write(path, []byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestWriteOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.bin")

	if err := Write(path, []byte("v1")); err != nil {
		t.Fatalf("Write v1: %v", err)
	}
	if err := Write(path, []byte("v2, longer than v1")); err != nil {
		t.Fatalf("Write v2: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "v2, longer than v1" {
		t.Fatalf("got %q", got)
	}
}

func TestReadRejectsIncompleteMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thing.bin")
	if err := os.WriteFile(path, []byte{0x00, 'x', 'y'}, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected error reading a file left marked incomplete")
	}
}

func TestReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(filepath.Join(dir, "nope.bin")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
