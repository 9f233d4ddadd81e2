// Package segstore manages the directory of on-disk segments backing one
// index: the LSM-style manifest naming a base segment plus zero or more
// delta segments, and the atomic protocol for adding, replacing, and
// garbage-collecting them. It generalizes the teacher's single-file
// "write the whole index, rename over the old one" model (cmd/cindex)
// into a multi-generation store that supports incremental appends and
// background compaction.
package segstore

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/relnix/pathindex/atomicfile"
)

// Manifest magic/version.
var manifestMagic = [4]byte{'P', 'M', 'N', '1'}

const manifestVersion uint16 = 1

// Manifest is the durable record of which segments currently make up an
// index: a base segment plus an ordered list of delta segments produced
// since, and the WAL seal id / crawl timestamp needed to detect a stale
// snapshot at startup (spec 6).
type Manifest struct {
	NextID     uint64
	BaseID     uint64
	DeltaIDs   []uint64
	WALSealID  uint64
	LastBuildNS int64
}

// SegmentFileName returns the on-disk file name for segment id.
func SegmentFileName(id uint64) string {
	return fmt.Sprintf("%016x.seg", id)
}

// Encode serializes m as: magic(4) version(2) nextID(8) baseID(8)
// deltaCount(4) [deltaID(8)]... walSealID(8) lastBuildNS(8) crc(8).
func (m Manifest) Encode() []byte {
	size := 4 + 2 + 8 + 8 + 4 + 8*len(m.DeltaIDs) + 8 + 8
	buf := make([]byte, size+8) // +8 for trailing crc
	copy(buf[0:4], manifestMagic[:])
	binary.LittleEndian.PutUint16(buf[4:6], manifestVersion)
	binary.LittleEndian.PutUint64(buf[6:14], m.NextID)
	binary.LittleEndian.PutUint64(buf[14:22], m.BaseID)
	binary.LittleEndian.PutUint32(buf[22:26], uint32(len(m.DeltaIDs)))
	off := 26
	for _, id := range m.DeltaIDs {
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:off+8], m.WALSealID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(m.LastBuildNS))
	off += 8
	crc := xxhash.Checksum64(buf[:off])
	binary.LittleEndian.PutUint64(buf[off:off+8], crc)
	return buf[:off+8]
}

// DecodeManifest parses the byte layout Encode produces.
func DecodeManifest(data []byte) (Manifest, error) {
	if len(data) < 26 {
		return Manifest{}, fmt.Errorf("segstore: manifest too short")
	}
	if [4]byte(data[0:4]) != manifestMagic {
		return Manifest{}, fmt.Errorf("segstore: bad manifest magic")
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != manifestVersion {
		return Manifest{}, fmt.Errorf("segstore: unsupported manifest version %d", version)
	}
	m := Manifest{
		NextID: binary.LittleEndian.Uint64(data[6:14]),
		BaseID: binary.LittleEndian.Uint64(data[14:22]),
	}
	n := binary.LittleEndian.Uint32(data[22:26])
	off := 26
	if off+int(n)*8+16 > len(data) {
		return Manifest{}, fmt.Errorf("segstore: manifest truncated")
	}
	m.DeltaIDs = make([]uint64, n)
	for i := range m.DeltaIDs {
		m.DeltaIDs[i] = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	m.WALSealID = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	m.LastBuildNS = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	wantCRC := xxhash.Checksum64(data[:off])
	gotCRC := binary.LittleEndian.Uint64(data[off : off+8])
	if wantCRC != gotCRC {
		return Manifest{}, fmt.Errorf("segstore: manifest checksum mismatch")
	}
	return m, nil
}

// WriteManifest atomically installs m at path.
func WriteManifest(path string, m Manifest) error {
	if err := atomicfile.Write(path, m.Encode()); err != nil {
		return fmt.Errorf("segstore: write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest at path.
func ReadManifest(path string) (Manifest, error) {
	body, err := atomicfile.Read(path)
	if err != nil {
		return Manifest{}, err
	}
	return DecodeManifest(body)
}

// clone returns a deep copy so callers can hand out manifests without
// aliasing the mutable DeltaIDs slice.
func (m Manifest) clone() Manifest {
	out := m
	out.DeltaIDs = append([]uint64(nil), m.DeltaIDs...)
	return out
}
