package segment

import (
	"bytes"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/RoaringBitmap/roaring"

	"github.com/relnix/pathindex/atomicfile"
	"github.com/relnix/pathindex/model"
)

// Export is everything a segment needs to be written, produced by
// deltaindex.Export or by the compactor merging several segments.
type Export struct {
	Roots            []string
	PathArena        []byte
	Metas            []model.CompactMeta
	Postings         map[uint32]*roaring.Bitmap
	Tombstones       *roaring.Bitmap
	FullPathTrigrams bool
	// DeletedPaths is this segment's sidecar of paths deleted out from
	// under an older, not-yet-compacted layer (spec 4.3). A plain flush
	// sets this to its overlay's drained delete set; a compacted base
	// leaves it nil since compaction resolves those deletes into Metas.
	DeletedPaths []string
}

// Write renders exp to the v6 container format and atomically installs it
// at path, in the layout documented by format.go: header, manifest,
// body. Each block is individually CRC'd so a reader can tell which block
// was damaged rather than just "the file is bad", the way the teacher's
// trailer only ever validated the whole file as one unit.
func Write(path string, exp Export) error {
	rootsBlock := encodeRoots(exp.Roots)
	arenaBlock := exp.PathArena
	metasBlock := encodeMetas(exp.Metas)
	trigramTable, postingsBlob := encodeTrigramTableAndPostings(exp.Postings)
	tombstoneBlock := encodeBitmap(exp.Tombstones)
	deletedPathsBlock := encodeDeletedPaths(exp.DeletedPaths)

	blocks := []struct {
		kind Kind
		data []byte
	}{
		{KindRoots, rootsBlock},
		{KindPathArena, arenaBlock},
		{KindMetas, metasBlock},
		{KindTrigramTable, trigramTable},
		{KindPostingsBlob, postingsBlob},
		{KindTombstones, tombstoneBlock},
		{KindDeletedPaths, deletedPathsBlock},
	}

	var body bytes.Buffer
	descs := make([]descriptor, len(blocks))
	for i, b := range blocks {
		off := uint64(body.Len())
		body.Write(b.data)
		descs[i] = descriptor{
			Kind:   b.kind,
			Offset: off,
			Length: uint64(len(b.data)),
			CRC:    xxhash.Checksum64(b.data),
		}
	}

	var manifest bytes.Buffer
	for _, d := range descs {
		manifest.Write(encodeDescriptor(d))
	}
	manifestCRC := uint32(xxhash.Checksum64(manifest.Bytes()))

	header := encodeHeader(uint32(len(descs)), exp.FullPathTrigrams, manifestCRC)

	var out bytes.Buffer
	out.Write(header)
	out.Write(manifest.Bytes())
	out.Write(body.Bytes())

	if err := atomicfile.Write(path, out.Bytes()); err != nil {
		return fmt.Errorf("segment: write %s: %w", path, err)
	}
	return nil
}
