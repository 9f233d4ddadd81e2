package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/OneOfOne/xxhash"

	"github.com/relnix/pathindex/model"
)

// SealedEntry is one decoded record produced by reading a WAL file
// start-to-finish, used by both ReplaySinceLastSeal and by a future
// offline repair tool that wants to see the raw record stream.
type SealedEntry struct {
	Seq      uint64
	IsSeal   bool
	Event    model.Event // zero value if IsSeal
}

// ReplaySinceLastSeal reads path end-to-end and returns every event
// record after the LAST seal record (or all of them, if the log has
// never been sealed). This bounds replay cost to "events since the last
// successful snapshot" instead of the log's entire history, the
// generalization spec 4.4 asks for of the teacher's one-shot, replay-free
// index build.
func ReplaySinceLastSeal(path string) ([]model.Event, error) {
	entries, err := readAll(path)
	if err != nil {
		return nil, err
	}

	lastSeal := -1
	for i, e := range entries {
		if e.IsSeal {
			lastSeal = i
		}
	}

	var out []model.Event
	for _, e := range entries[lastSeal+1:] {
		if !e.IsSeal {
			out = append(out, e.Event)
		}
	}
	return out, nil
}

// readAll decodes every frame in path in order. A frame with a bad CRC
// or an impossible length ends the scan at that point rather than
// erroring, on the assumption that it is the tail of a write interrupted
// by a crash (the event it would have recorded never got its durability
// guarantee acknowledged, so dropping it is correct, not lossy).
func readAll(path string) ([]SealedEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, fmt.Errorf("walog: read header: %w", err)
	}
	if magic != fileMagic {
		return nil, fmt.Errorf("walog: %s: bad magic", path)
	}

	var out []SealedEntry
scan:
	for {
		var hdr [14]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("walog: read frame header: %w", err)
		}
		kind := recordKind(hdr[0])
		version := RecordVersion(hdr[1])
		seq := binary.LittleEndian.Uint64(hdr[2:10])
		payloadLen := binary.LittleEndian.Uint32(hdr[10:14])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		var crcBuf [8]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			break
		}
		wantCRC := binary.LittleEndian.Uint64(crcBuf[:])
		gotCRC := xxhash.Checksum64(append(append([]byte(nil), hdr[:]...), payload...))
		if wantCRC != gotCRC {
			break
		}

		switch kind {
		case recordSeal:
			out = append(out, SealedEntry{Seq: seq, IsSeal: true})
		case recordEvent:
			ev, err := decodeEvent(version, payload)
			if err != nil {
				break scan
			}
			out = append(out, SealedEntry{Seq: seq, Event: ev})
		default:
			// Unknown record kind: stop rather than risk misinterpreting
			// a format from a newer writer.
			break scan
		}
	}
	return out, nil
}

// CleanupSealedUpTo truncates path's history by rewriting it to contain
// only records from the most recent seal onward, called once a segment
// flush has durably captured everything before that seal so the earlier
// portion of the log can never be needed again. It rewrites into a fresh
// file and atomically renames over path so a crash mid-rewrite leaves
// the original log intact.
func CleanupSealedUpTo(path string) error {
	entries, err := readAll(path)
	if err != nil {
		return err
	}
	lastSeal := -1
	for i, e := range entries {
		if e.IsSeal {
			lastSeal = i
		}
	}
	if lastSeal <= 0 {
		return nil // nothing to trim
	}

	tmpPath := path + ".compact-tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walog: create compact tmp: %w", err)
	}
	w := &WAL{f: tmp, w: bufio.NewWriter(tmp), path: tmpPath}
	if _, err := tmp.Write(fileMagic[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("walog: write compact header: %w", err)
	}

	for _, e := range entries[lastSeal:] {
		if e.IsSeal {
			if _, err := w.Seal(); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return err
			}
			continue
		}
		if _, err := w.Append(e.Event); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		w.nextSeq = e.Seq + 1
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("walog: close compact tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("walog: rename compact tmp over %s: %w", path, err)
	}
	if dir, err := os.Open(dirOf(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
