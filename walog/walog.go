// Package walog implements the write-ahead log that
// TieredIndex.ApplyEvents appends each event to before applying the batch
// (spec 4.4; an append failure is logged and the batch is still applied):
// a simple append-only framed record format,
// sealed at each snapshot so replay after a crash only has to walk the
// records written since the last seal, and periodically trimmed once
// every record up to a seal point has been superseded by a published
// segment.
//
// The framing follows the teacher's own length-prefixed name-list
// encoding (index/write.go) generalized from "one whole corpus" to "one
// record per event, fsynced as it arrives", with fixed-width
// little-endian lengths in place of the teacher's varints.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/relnix/pathindex/model"
)

var fileMagic = [4]byte{'P', 'W', 'A', 'L'}

// RecordVersion distinguishes payload encodings. v1 predates Rename
// support (spec's original two-event delete+create scheme); v2 adds a
// From identifier. A WAL opened for append always writes v2; replay
// still decodes v1 records so a log spanning an upgrade keeps working.
type RecordVersion uint8

const (
	RecordV1 RecordVersion = 1
	RecordV2 RecordVersion = 2
)

const currentRecordVersion = RecordV2

// recordKind tags what a WAL record represents.
type recordKind uint8

const (
	recordEvent recordKind = 1
	recordSeal  recordKind = 2
)

// WAL is a single append-only log file. Append is safe for concurrent
// callers; they are serialized onto one writer so record order matches
// fsync order, which is what makes seal checkpoints meaningful.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	nextSeq uint64
}

// Open opens (creating if needed) the WAL file at path for append, and
// writes the file header if the file is new.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		if _, err := f.Write(fileMagic[:]); err != nil {
			f.Close()
			return nil, fmt.Errorf("walog: write header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("walog: sync header: %w", err)
		}
	} else {
		var hdr [4]byte
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("walog: read header: %w", err)
		}
		if hdr != fileMagic {
			f.Close()
			return nil, fmt.Errorf("walog: %s: bad magic", path)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: seek end: %w", err)
	}

	nextSeq, err := nextSeqFor(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &WAL{f: f, w: bufio.NewWriter(f), path: path, nextSeq: nextSeq}, nil
}

// nextSeqFor scans an existing log to determine the sequence number a
// fresh append should start from, so reopening a log after a restart
// never reuses a seq a previous process already assigned.
func nextSeqFor(path string) (uint64, error) {
	entries, err := readAll(path)
	if err != nil {
		return 0, fmt.Errorf("walog: scan %s for next seq: %w", path, err)
	}
	var max uint64
	var any bool
	for _, e := range entries {
		if !any || e.Seq > max {
			max = e.Seq
			any = true
		}
	}
	if !any {
		return 0, nil
	}
	return max + 1, nil
}

// Append durably records ev and returns the sequence number assigned to
// it. Append does not return until the record is fsynced, so a caller
// that waits for Append before acknowledging an event has the durability
// guarantee spec 4.4 requires.
func (w *WAL) Append(ev model.Event) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++

	payload := encodeEventV2(ev)
	if err := w.writeFrameLocked(recordEvent, seq, payload); err != nil {
		return 0, err
	}
	return seq, nil
}

// Seal writes a checkpoint record at the current position and returns
// its sequence number. The coordinator calls Seal at the start of a
// snapshot, before the new segment is published; ReplaySinceLastSeal
// only has to consider records after the most recent seal.
func (w *WAL) Seal() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.nextSeq
	w.nextSeq++
	if err := w.writeFrameLocked(recordSeal, seq, nil); err != nil {
		return 0, err
	}
	return seq, nil
}

func (w *WAL) writeFrameLocked(kind recordKind, seq uint64, payload []byte) error {
	var hdr [1 + 1 + 8 + 4]byte // kind, version, seq, payloadLen
	hdr[0] = byte(kind)
	hdr[1] = byte(currentRecordVersion)
	binary.LittleEndian.PutUint64(hdr[2:10], seq)
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(len(payload)))

	crc := xxhash.Checksum64(append(append([]byte(nil), hdr[:]...), payload...))

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("walog: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return fmt.Errorf("walog: write frame payload: %w", err)
		}
	}
	var crcBuf [8]byte
	binary.LittleEndian.PutUint64(crcBuf[:], crc)
	if _, err := w.w.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("walog: write frame crc: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("walog: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("walog: fsync: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }
