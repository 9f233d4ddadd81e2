// Package segment implements the v6 immutable on-disk segment format: a
// small container header, a manifest of kind-tagged blocks, and an
// mmap-backed reader that decodes those blocks lazily. It is the
// generalization of the teacher's single-file index format (index/write.go,
// index/read.go) from "one whole corpus, written once" to "one
// incrementally-produced layer of an LSM-style stack of segments" (spec
// 4.2/4.3).
package segment

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a segment file. Version 6 is the only format this repo
// writes; readers also accept the legacy basename-only trigram layout via
// the HasFullPathTrigrams flag bit rather than a separate version number,
// matching how the teacher's read.go keeps reading its v1 32-bit format
// alongside v2 without a hard break.
var Magic = [4]byte{'P', 'S', 'G', '6'}

const FormatVersion uint16 = 6

// Header flags.
const (
	FlagFullPathTrigrams uint16 = 1 << 0
)

// headerSize is the fixed-size container header: magic(4) + version(2) +
// flags(2) + blockCount(4) + reserved(4) + manifestCRC(4) = 20 bytes.
const headerSize = 20

// Kind tags one manifest block's contents.
type Kind uint32

const (
	KindRoots        Kind = 1
	KindPathArena     Kind = 2
	KindMetas        Kind = 3
	KindTrigramTable Kind = 4
	KindPostingsBlob Kind = 5
	KindTombstones   Kind = 6
	// KindDeletedPaths holds this segment's own record of paths that were
	// deleted out from under an older, not-yet-compacted layer (spec 4.3's
	// sidecar). A flush-produced delta carries one whenever its overlay had
	// pending cross-segment deletes at drain time; a compacted base never
	// does, since compaction resolves those deletes into its Metas directly.
	KindDeletedPaths Kind = 7
)

func (k Kind) String() string {
	switch k {
	case KindRoots:
		return "roots"
	case KindPathArena:
		return "path_arena"
	case KindMetas:
		return "metas"
	case KindTrigramTable:
		return "trigram_table"
	case KindPostingsBlob:
		return "postings_blob"
	case KindTombstones:
		return "tombstones"
	case KindDeletedPaths:
		return "deleted_paths"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// descriptorSize is one manifest entry: kind(4) + reserved(4) + offset(8)
// + length(8) + crc(8) = 32 bytes.
const descriptorSize = 32

// descriptor locates and checksums one block in the body.
type descriptor struct {
	Kind   Kind
	Offset uint64
	Length uint64
	CRC    uint64
}

func encodeHeader(blockCount uint32, fullPathTrigrams bool, manifestCRC uint32) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], FormatVersion)
	var flags uint16
	if fullPathTrigrams {
		flags |= FlagFullPathTrigrams
	}
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], blockCount)
	binary.LittleEndian.PutUint32(buf[12:16], 0) // reserved
	binary.LittleEndian.PutUint32(buf[16:20], manifestCRC)
	return buf
}

type decodedHeader struct {
	BlockCount       uint32
	FullPathTrigrams bool
	ManifestCRC      uint32
}

func decodeHeader(buf []byte) (decodedHeader, error) {
	if len(buf) < headerSize {
		return decodedHeader{}, fmt.Errorf("segment: short header (%d bytes)", len(buf))
	}
	if [4]byte(buf[0:4]) != Magic {
		return decodedHeader{}, fmt.Errorf("segment: bad magic %q", buf[0:4])
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != FormatVersion {
		return decodedHeader{}, fmt.Errorf("segment: unsupported version %d", version)
	}
	flags := binary.LittleEndian.Uint16(buf[6:8])
	return decodedHeader{
		BlockCount:       binary.LittleEndian.Uint32(buf[8:12]),
		FullPathTrigrams: flags&FlagFullPathTrigrams != 0,
		ManifestCRC:      binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func encodeDescriptor(d descriptor) []byte {
	buf := make([]byte, descriptorSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Kind))
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], d.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], d.Length)
	binary.LittleEndian.PutUint64(buf[24:32], d.CRC)
	return buf
}

func decodeDescriptor(buf []byte) descriptor {
	return descriptor{
		Kind:   Kind(binary.LittleEndian.Uint32(buf[0:4])),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Length: binary.LittleEndian.Uint64(buf[16:24]),
		CRC:    binary.LittleEndian.Uint64(buf[24:32]),
	}
}
