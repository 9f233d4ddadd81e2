package tiered

import (
	"fmt"

	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/segment"
	"github.com/relnix/pathindex/walog"
)

// SnapshotNow implements spec 4.5's snapshot_now: publish the current
// live delta as a new immutable segment and start a fresh one. It is a
// no-op if neither the delta nor the overlay has anything unpublished,
// so a periodic timer or an overlay threshold crossing can call it
// freely without forcing empty segments onto disk.
func (t *TieredIndex) SnapshotNow() error {
	t.applyGate.Lock()

	oldL2 := t.l2.Load()
	deleted, upserted := t.overlay.Counts()
	if !oldL2.Dirty() && deleted == 0 && upserted == 0 {
		t.flushRequested.Store(false)
		t.applyGate.Unlock()
		return nil
	}

	var walSealID uint64
	if t.wal != nil {
		id, err := t.wal.Seal()
		if err != nil {
			t.applyGate.Unlock()
			return fmt.Errorf("tiered: seal WAL: %w", err)
		}
		walSealID = id
	}

	freshL2 := deltaindex.New(t.roots, deltaindex.WithStatter(t.stat), deltaindex.WithLogger(t.log))
	t.l2.Store(freshL2)
	// Drain discards the upserted set and keeps only still-live deletes;
	// those stay in the overlay so older disk layers keep masking them in
	// memory. They also ride along in this flush's own sidecar block below,
	// so the masking survives a restart even after the WAL is trimmed.
	deletedPaths := t.overlay.Drain()

	t.applyGate.Unlock()

	exp := oldL2.Export()
	exp.DeletedPaths = deletedPaths
	lastBuildNS := now().UnixNano()

	manifest := t.store.Manifest()
	bootstrap := manifest.BaseID == 0 && len(manifest.DeltaIDs) == 0

	var id uint64
	var err error
	if bootstrap {
		id, err = t.store.ReplaceBase(exp, nil, lastBuildNS)
	} else {
		id, err = t.store.AppendDelta(exp, walSealID, lastBuildNS)
	}
	if err != nil {
		// The new delta/base never published; oldL2's data survives only
		// in the WAL from before the seal, which is still on disk (the
		// seal only marks where replay should resume, it does not trim
		// anything). A retry of SnapshotNow will pick the data up again
		// through the next successful write, since the WAL was already
		// sealed with everything up to this point durable.
		t.log.Error().Err(err).Msg("snapshot publish failed, will retry on next flush")
		return fmt.Errorf("tiered: publish segment: %w", err)
	}

	seg, err := segment.Open(t.store.SegmentPath(id))
	if err != nil {
		return fmt.Errorf("tiered: open freshly written segment %d: %w", id, err)
	}
	t.installLayer(bootstrap, seg)

	t.l1.Clear()
	t.flushRequested.Store(false)

	if t.wal != nil {
		if err := walog.CleanupSealedUpTo(t.wal.Path()); err != nil {
			t.log.Warn().Err(err).Msg("WAL cleanup after snapshot failed, continuing")
		}
	}

	newManifest := t.store.Manifest()
	if len(newManifest.DeltaIDs) >= compactionDeltaThreshold {
		go t.runCompaction()
	}
	return nil
}

// installLayer updates the in-memory disk-layer slice to match a
// just-published manifest. A base replacement (bootstrap, or the result
// of compaction) discards the whole previous slice and starts fresh with
// just the new base; a delta append appends the new segment to the
// existing slice. Superseded segments are closed (unmapped) once they are
// no longer reachable from diskLayers.
func (t *TieredIndex) installLayer(replacesAll bool, seg *segment.Segment) {
	t.diskMu.Lock()
	defer t.diskMu.Unlock()
	if replacesAll {
		for _, old := range t.diskLayers {
			old.Close()
		}
		t.diskLayers = []*segment.Segment{seg}
		return
	}
	t.diskLayers = append(t.diskLayers, seg)
}
