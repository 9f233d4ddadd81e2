package segment

import (
	"fmt"
	"os"

	"github.com/OneOfOne/xxhash"
	"github.com/RoaringBitmap/roaring"
	"github.com/edsrzf/mmap-go"

	"github.com/relnix/pathindex/atomicfile"
	"github.com/relnix/pathindex/model"
)

// Segment is one immutable on-disk layer, mmap-backed so opening it costs
// a page-table entry rather than a read of the whole file — the same
// trade the teacher's index.Open makes (index/read.go), generalized from
// a single hand-mmap'd syscall to edsrzf/mmap-go so the mapping is
// portable and closed deterministically via Close/Unmap.
type Segment struct {
	path string
	mm   mmap.MMap
	f    *os.File

	header decodedHeader
	descs  []descriptor

	roots     []string
	arena     []byte
	metasData []byte
	trigTable []byte
	postBlob  []byte
	tombData  []byte
	delData   []byte

	tombstones   *roaring.Bitmap
	deletedPaths []string
}

// Open mmaps path and decodes its manifest. Block contents (other than
// the tombstone bitmap, which every query needs) are left as raw byte
// slices into the mapping and decoded lazily by Meta/Posting.
func Open(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("segment: %s is empty", path)
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}

	body, err := atomicfile.ValidateMapped(mm)
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: %w", path, err)
	}

	hdr, err := decodeHeader(body)
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: %w", path, err)
	}

	manifestStart := headerSize
	manifestLen := int(hdr.BlockCount) * descriptorSize
	if manifestStart+manifestLen > len(body) {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: manifest overruns file", path)
	}
	manifestBytes := body[manifestStart : manifestStart+manifestLen]
	if uint32(xxhash.Checksum64(manifestBytes)) != hdr.ManifestCRC {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: manifest checksum mismatch", path)
	}

	descs := make([]descriptor, hdr.BlockCount)
	for i := range descs {
		descs[i] = decodeDescriptor(manifestBytes[i*descriptorSize:])
	}

	bodyStart := manifestStart + manifestLen
	blockData := body[bodyStart:]

	seg := &Segment{path: path, mm: mm, f: f, header: hdr, descs: descs}

	for _, d := range descs {
		if d.Offset+d.Length > uint64(len(blockData)) {
			mm.Unmap()
			f.Close()
			return nil, fmt.Errorf("segment: %s: block %s overruns file", path, d.Kind)
		}
		block := blockData[d.Offset : d.Offset+d.Length]
		if xxhash.Checksum64(block) != d.CRC {
			mm.Unmap()
			f.Close()
			return nil, fmt.Errorf("segment: %s: block %s checksum mismatch", path, d.Kind)
		}
		switch d.Kind {
		case KindRoots:
			roots, err := decodeRoots(block)
			if err != nil {
				mm.Unmap()
				f.Close()
				return nil, fmt.Errorf("segment: %s: %w", path, err)
			}
			seg.roots = roots
		case KindPathArena:
			seg.arena = block
		case KindMetas:
			seg.metasData = block
		case KindTrigramTable:
			seg.trigTable = block
		case KindPostingsBlob:
			seg.postBlob = block
		case KindTombstones:
			seg.tombData = block
		case KindDeletedPaths:
			seg.delData = block
		}
	}

	tomb, err := decodeBitmap(seg.tombData)
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: tombstones: %w", path, err)
	}
	seg.tombstones = tomb

	// delData is absent (nil) in segments written before the sidecar
	// existed; decodeDeletedPaths treats that the same as an explicit
	// empty block, matching the tombstones fallback above.
	deletedPaths, err := decodeDeletedPaths(seg.delData)
	if err != nil {
		mm.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: deleted_paths: %w", path, err)
	}
	seg.deletedPaths = deletedPaths

	return seg, nil
}

// Close unmaps the segment and closes its file descriptor.
func (s *Segment) Close() error {
	if err := s.mm.Unmap(); err != nil {
		s.f.Close()
		return fmt.Errorf("segment: unmap %s: %w", s.path, err)
	}
	return s.f.Close()
}

// Path returns the filesystem path this segment was opened from.
func (s *Segment) Path() string { return s.path }

// HasFullPathTrigrams reports whether this segment's trigram table covers
// whole paths (the normal case) or only basenames (a legacy segment
// written before full-path trigram indexing, spec 4.9's "older writer"
// fallback).
func (s *Segment) HasFullPathTrigrams() bool { return s.header.FullPathTrigrams }

// Roots returns the segment's root path table, in on-disk order (index 0
// is always "/").
func (s *Segment) Roots() []string { return s.roots }

// DocCount returns the number of meta slots in this segment, live or
// tombstoned.
func (s *Segment) DocCount() int { return metaCount(s.metasData) }

// Meta decodes the meta record for id, or ok=false if id is out of
// range.
func (s *Segment) Meta(id model.DocID) (model.CompactMeta, bool) {
	return decodeMetaAt(s.metasData, int(id))
}

// PathOf reconstructs the absolute path for a meta record (its root
// joined with the arena's root-relative bytes).
func (s *Segment) PathOf(m model.CompactMeta) string {
	root := "/"
	if int(m.RootID) < len(s.roots) {
		root = s.roots[m.RootID]
	}
	rel := s.arena[m.PathOff : m.PathOff+uint32(m.PathLen)]
	if root == "/" {
		return "/" + string(rel)
	}
	return root + "/" + string(rel)
}

// Posting returns the posting bitmap for trigram, or nil if the trigram
// has no entry in this segment (spec 7: "this is a correct negative").
func (s *Segment) Posting(trigram uint32) (*roaring.Bitmap, error) {
	e, ok := findTrigram(s.trigTable, trigram)
	if !ok {
		return nil, nil
	}
	if uint64(e.Offset)+uint64(e.Length) > uint64(len(s.postBlob)) {
		return nil, fmt.Errorf("segment: %s: posting for trigram %d overruns blob", s.path, trigram)
	}
	return decodeBitmap(s.postBlob[e.Offset : e.Offset+e.Length])
}

// Tombstones returns the live tombstone bitmap for this segment. Callers
// must not mutate it.
func (s *Segment) Tombstones() *roaring.Bitmap { return s.tombstones }

// IsTombstoned reports whether id is marked deleted within this segment.
func (s *Segment) IsTombstoned(id model.DocID) bool {
	return s.tombstones.Contains(uint32(id))
}

// DeletedPaths returns the paths this segment recorded as deleted out from
// under an older, not-yet-compacted layer (spec 4.3's sidecar). Callers
// must not mutate the returned slice.
func (s *Segment) DeletedPaths() []string { return s.deletedPaths }

// LookupDocIDByKey scans for a meta record whose FileKey matches key.
// Segments do not keep a FileKey index of their own (that is an
// in-memory-only structure maintained by the DeltaIndex and by tiered's
// L2-live); this is used only by startup's initial-load reconciliation
// and by compaction, both of which already walk every record anyway.
func (s *Segment) LookupDocIDByKey(key model.FileKey) (model.DocID, bool) {
	n := s.DocCount()
	for i := 0; i < n; i++ {
		m, _ := decodeMetaAt(s.metasData, i)
		if m.Key == key && !s.IsTombstoned(model.DocID(i)) {
			return model.DocID(i), true
		}
	}
	return 0, false
}

// ForEachLiveMeta visits every non-tombstoned record in DocID order.
func (s *Segment) ForEachLiveMeta(visit func(id model.DocID, m model.CompactMeta, path string)) {
	n := s.DocCount()
	for i := 0; i < n; i++ {
		if s.IsTombstoned(model.DocID(i)) {
			continue
		}
		m, ok := decodeMetaAt(s.metasData, i)
		if !ok {
			continue
		}
		visit(model.DocID(i), m, s.PathOf(m))
	}
}
