package tiered

import (
	"fmt"

	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/segment"
)

// runCompaction merges every current disk layer into a single new base
// segment, spec 4.5 step 8's "delta_count >= COMPACTION_DELTA_THRESHOLD"
// trigger. It is meant to run from a background goroutine; it logs its
// own failures rather than returning them to a caller that would
// otherwise have nothing to do with them.
func (t *TieredIndex) runCompaction() {
	if !t.compactionInProgress.CompareAndSwap(false, true) {
		return // a compaction is already running
	}
	defer t.compactionInProgress.Store(false)

	if err := t.compactOnce(); err != nil {
		t.log.Warn().Err(err).Msg("compaction failed, will retry on next threshold crossing")
	}
}

// compactOnce folds the current disk-layer snapshot (base, if any, plus
// every delta) into one new base via a scratch DeltaIndex, oldest-first
// so a later layer's overwrite of the same FileKey/path wins, exactly
// the way DeltaIndex.ApplyEvents would if the same history had been
// replayed live. A delta segment's own tombstone bitmap only covers
// documents that existed within that same segment; a delete of a path
// that lives in an older layer is recorded in the delta's deleted-paths
// sidecar (and, until a restart, in the overlay). Before each layer's
// live metas are folded in, that layer's sidecar paths are tombstoned in
// the scratch index, and after the merge the overlay's current deletes
// are applied too, so no recorded delete survives into the new base.
// The scratch index reuses the shared Roots table so the new base's
// RootID space lines up with every other layer still in use.
func (t *TieredIndex) compactOnce() error {
	layers := t.diskLayersSnapshot()
	manifest := t.store.Manifest()
	if len(manifest.DeltaIDs) == 0 {
		return nil // a single base with no deltas is already compact
	}

	scratch := deltaindex.New(t.roots, deltaindex.WithLogger(t.log))
	// layers is base-first/oldest-delta-first already (diskLayersSnapshot
	// mirrors diskLayers, which installLayer keeps in that order).
	for _, seg := range layers {
		for _, p := range seg.DeletedPaths() {
			scratch.MarkDeleted(p, model.FileKey{}, false)
		}
		seg.ForEachLiveMeta(func(_ model.DocID, meta model.CompactMeta, path string) {
			scratch.Upsert(path, meta.Key, meta.Size, meta.MtimeNS)
		})
	}
	for _, path := range t.overlay.DeletedPaths() {
		scratch.MarkDeleted(path, model.FileKey{}, false)
	}

	exp := scratch.Export()
	lastBuildNS := now().UnixNano()

	newID, err := t.store.ReplaceBase(exp, manifest.DeltaIDs, lastBuildNS)
	if err != nil {
		return fmt.Errorf("tiered: compact: %w", err)
	}

	newSeg, err := segment.Open(t.store.SegmentPath(newID))
	if err != nil {
		return fmt.Errorf("tiered: compact: open new base %d: %w", newID, err)
	}
	t.installLayer(true, newSeg)

	if err := t.store.GCOrphans(); err != nil {
		t.log.Warn().Err(err).Msg("orphan GC after compaction failed, continuing")
	}
	return nil
}
