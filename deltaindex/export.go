package deltaindex

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/segment"
)

// Export snapshots the live index into the shape segment.Write expects.
// It takes the same locks ForEachLiveMeta does, plus the trigram
// postings, so the result is a consistent point-in-time view; it does
// NOT clear the dirty flag or reset the index — the coordinator decides
// when a flushed DeltaIndex should be retired in favor of a fresh one.
func (d *DeltaIndex) Export() segment.Export {
	d.metaMu.RLock()
	metas := append([]model.CompactMeta(nil), d.metas...)
	d.metaMu.RUnlock()

	d.tombMu.RLock()
	tomb := d.tombstones.Clone()
	d.tombMu.RUnlock()

	postings := make(map[uint32]*roaring.Bitmap)
	for _, t := range d.trigrams.Trigrams() {
		postings[t] = d.trigrams.Get(t)
	}

	return segment.Export{
		Roots:            d.roots.All(),
		PathArena:        d.arena.Bytes(),
		Metas:            metas,
		Postings:         postings,
		Tombstones:       tomb,
		FullPathTrigrams: true,
	}
}
