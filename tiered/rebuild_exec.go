package tiered

import (
	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/segment"
)

// TriggerRebuild requests a full rebuild. ReasonOperatorRequest and
// ReasonStaleSnapshot force an immediate start (an operator asking for a
// reindex, or a cold start that found the on-disk snapshot stale, both
// want to run now); ReasonWatcherOverflow goes through the 60-second
// cooldown coalescing path since overflow is routinely bursty and a
// flood of them should collapse into one rebuild, not one per event.
func (t *TieredIndex) TriggerRebuild(reason RebuildReason) {
	var started bool
	switch reason {
	case ReasonOperatorRequest, ReasonStaleSnapshot:
		started = t.rebuild.TryStart(reason)
	default:
		started = t.rebuild.TryStartWithCooldown(reason, now)
	}
	if started {
		go t.runRebuild()
	}
}

// runRebuild drives one rebuild attempt to completion, including the
// "finish: loop" semantics of applying whatever events arrived while the
// crawl was running before declaring the rebuild done (spec 4.5's
// Rebuild FSM). Caller must have already transitioned rebuildState to
// InProgress (TriggerRebuild does this before spawning the goroutine).
func (t *TieredIndex) runRebuild() {
	if t.rebuildFn == nil {
		t.log.Warn().Msg("rebuild requested but no crawler is configured, returning to idle")
		t.rebuild.abort()
		return
	}

	for {
		newIndex, err := t.rebuildFn()
		if err != nil {
			t.log.Error().Err(err).Msg("rebuild crawl failed")
			pending := t.rebuild.abort()
			if len(pending) > 0 {
				// Events buffered during the failed attempt describe real
				// filesystem changes; fold them into the still-live L2
				// index rather than losing them.
				t.applyGate.RLock()
				t.l2.Load().ApplyEvents(pending)
				t.applyGate.RUnlock()
			}
			return
		}

		another := false
		for {
			pending := t.rebuild.drainPending()
			if len(pending) > 0 {
				newIndex.ApplyEvents(pending)
			}
			empty, requestedMore := t.rebuild.finishOnce()
			if !empty {
				continue
			}
			another = requestedMore
			break
		}

		if another {
			// finishOnce left the FSM Idle; put it back InProgress so
			// events arriving during the re-run are buffered again. If
			// another caller already started a rebuild, that one owns it.
			if !t.rebuild.restartAfterCooldown() {
				return
			}
			continue
		}
		t.installRebuilt(newIndex)
		return
	}
}

// installRebuilt persists the result of a completed rebuild as a brand
// new base segment, replacing every previous disk layer wholesale (the
// rebuild's crawl is a full re-derivation, so nothing from the old
// layers is still meaningful), then resets L2-live to a fresh empty
// delta and clears the overlay/L1, the same post-flush state SnapshotNow
// leaves behind. Unlike SnapshotNow, which treats L2-live as an
// increment on top of a stable base, a rebuild always does a full
// ReplaceBase: the freshly crawled newIndex entirely supersedes whatever
// base/delta chain existed before it.
func (t *TieredIndex) installRebuilt(newIndex *deltaindex.DeltaIndex) {
	exp := newIndex.Export()
	lastBuildNS := now().UnixNano()
	manifest := t.store.Manifest()

	newID, err := t.store.ReplaceBase(exp, manifest.DeltaIDs, lastBuildNS)
	if err != nil {
		t.log.Error().Err(err).Msg("rebuild: publishing new base failed, keeping previous on-disk layers")
		return
	}
	newSeg, err := segment.Open(t.store.SegmentPath(newID))
	if err != nil {
		t.log.Error().Err(err).Msg("rebuild: opening freshly written base failed")
		return
	}

	t.applyGate.Lock()
	t.diskMu.Lock()
	for _, old := range t.diskLayers {
		old.Close()
	}
	t.diskLayers = []*segment.Segment{newSeg}
	t.diskMu.Unlock()

	t.l2.Store(deltaindex.New(t.roots, deltaindex.WithStatter(t.stat), deltaindex.WithLogger(t.log)))
	t.overlay.Reset()
	t.applyGate.Unlock()

	t.l1.Clear()

	if err := t.store.GCOrphans(); err != nil {
		t.log.Warn().Err(err).Msg("orphan GC after rebuild failed, continuing")
	}
}
