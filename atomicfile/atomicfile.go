// Package atomicfile implements the write-tmp-then-rename protocol every
// durable artifact in this module uses: segments, the segment-store
// manifest, and sealed WAL files. A reader must never observe a
// partially-written file, so the first on-disk byte is a one-byte status
// marker (incomplete/committed) that is only flipped to committed after
// the body is fully synced, and the rename itself is followed by an
// fsync of the containing directory so the rename survives a crash too.
package atomicfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	markerIncomplete byte = 0x00
	markerCommitted  byte = 0x01
)

// Write atomically replaces path with body: it is written to a sibling
// temp file, fsynced while still marked incomplete, flipped to committed
// and fsynced again, then renamed over path and the parent directory is
// fsynced so the rename itself is durable.
func Write(path string, body []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write([]byte{markerIncomplete}); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write marker: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: sync incomplete: %w", err)
	}
	if _, err := tmp.WriteAt([]byte{markerCommitted}, 0); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: commit marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: sync committed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomicfile: rename: %w", err)
	}
	if dirf, err := os.Open(dir); err == nil {
		dirf.Sync()
		dirf.Close()
	}
	return nil
}

// Read opens path and returns its body, rejecting a file left marked
// incomplete by a crash mid-write (the caller should treat that the same
// as "file does not exist yet" — segstore and walog both fall back to
// the previous committed generation in that case).
func Read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var marker [1]byte
	if _, err := io.ReadFull(f, marker[:]); err != nil {
		return nil, fmt.Errorf("atomicfile: read marker: %w", err)
	}
	if marker[0] != markerCommitted {
		return nil, fmt.Errorf("atomicfile: %s left incomplete by a prior crash", path)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, fmt.Errorf("atomicfile: read body: %w", err)
	}
	return buf.Bytes(), nil
}

// BodyOffset is the number of leading marker bytes Write prepends to
// every file. A caller that mmaps the file directly (segment's reader,
// which must not copy the whole file into memory just to strip the
// marker) uses this to find where the real body begins after checking
// ValidateMapped.
const BodyOffset = 1

// ValidateMapped checks the marker byte of an mmap'd file's raw bytes
// in place, without copying, and returns the body slice (mapped[BodyOffset:]).
func ValidateMapped(mapped []byte) ([]byte, error) {
	if len(mapped) < BodyOffset {
		return nil, fmt.Errorf("atomicfile: mapped region too short")
	}
	if mapped[0] != markerCommitted {
		return nil, fmt.Errorf("atomicfile: file left incomplete by a prior crash")
	}
	return mapped[BodyOffset:], nil
}
