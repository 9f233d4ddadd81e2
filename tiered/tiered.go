// Package tiered implements TieredIndex, the coordinator spec 4.5
// describes: L1 result cache, an atomically-swapped live DeltaIndex
// (L2), an ordered stack of immutable mmap segments, the cross-segment
// overlay, the write-ahead log, and the rebuild/compaction state
// machines that keep all of them consistent. It is the generalization
// of the teacher's one-shot "build an index, then search it"
// (cmd/cindex + cmd/csearch) into a long-lived, continuously-updated
// service.
package tiered

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/overlay"
	"github.com/relnix/pathindex/pathstore"
	"github.com/relnix/pathindex/segment"
	"github.com/relnix/pathindex/segstore"
	"github.com/relnix/pathindex/walog"
)

// compactionDeltaThreshold is spec 4.5 step 8's trigger: "delta_count >=
// COMPACTION_DELTA_THRESHOLD (>= 2 to be aggressive)".
const compactionDeltaThreshold = 2

// l1BackfillLimit is spec 4.5 step 5's "backfill up to 10 entries."
const l1BackfillLimit = 10

// defaultL1MaxEntries bounds the L1 cache's resident entry count.
const defaultL1MaxEntries = 10_000

// TieredIndex is the coordinator. All exported methods are safe for
// concurrent use.
type TieredIndex struct {
	log   zerolog.Logger
	roots *pathstore.Roots
	stat  model.Statter

	store *segstore.Store
	wal   *walog.WAL

	l1      *l1Cache
	l2      atomic.Pointer[deltaindex.DeltaIndex]
	overlay *overlay.Overlay

	diskMu     sync.RWMutex
	diskLayers []*segment.Segment // index 0 = base, rest = deltas newest-last

	applyGate sync.RWMutex // read-held during ApplyEvents, write-held during SnapshotNow's swap and a rebuild's install (compaction does not take it)

	rebuild   *rebuildState
	rebuildFn RebuildFunc

	compactionInProgress atomic.Bool
	flushRequested       atomic.Bool
}

// RebuildFunc performs a full, blocking re-crawl of the configured
// filesystem roots and returns a freshly populated DeltaIndex sharing
// the coordinator's Roots table. It is supplied by the caller that owns
// filesystem walking (the startup package's crawler, in production;
// tests supply a fake). TieredIndex itself only owns the rebuild state
// machine (rebuildState) and the swap that installs the result;
// wiring one in is optional; a nil RebuildFunc degrades a rebuild
// trigger to a logged no-op rather than an error.
type RebuildFunc func() (*deltaindex.DeltaIndex, error)

// Config bundles the dependencies New needs beyond the store directory,
// split out from config.Config so tiered does not import the CLI layer.
type Config struct {
	Roots     *pathstore.Roots
	Stat      model.Statter
	Store     *segstore.Store
	WAL       *walog.WAL
	Layers    []*segment.Segment // already mmap'd by startup, base first
	Log       zerolog.Logger
	L1Size    int64
	RebuildFn RebuildFunc
}

// New constructs a TieredIndex from already-opened dependencies; startup
// is responsible for the manifest load, mmap, and stale-snapshot crawl
// that produce Config.Layers.
func New(cfg Config) (*TieredIndex, error) {
	l1Size := cfg.L1Size
	if l1Size <= 0 {
		l1Size = defaultL1MaxEntries
	}
	l1, err := newL1Cache(l1Size)
	if err != nil {
		return nil, fmt.Errorf("tiered: create L1 cache: %w", err)
	}

	ti := &TieredIndex{
		log:        cfg.Log,
		roots:      cfg.Roots,
		stat:       cfg.Stat,
		store:      cfg.Store,
		wal:        cfg.WAL,
		l1:         l1,
		overlay:    overlay.New(),
		diskLayers: cfg.Layers,
		rebuild:    newRebuildState(),
		rebuildFn:  cfg.RebuildFn,
	}
	ti.rebuild.onCooldownFire = func() {
		if ti.rebuild.restartAfterCooldown() {
			go ti.runRebuild()
		}
	}
	ti.l2.Store(deltaindex.New(cfg.Roots, deltaindex.WithStatter(cfg.Stat), deltaindex.WithLogger(cfg.Log)))
	return ti, nil
}

// ApplyEvents folds a merged batch from the pipeline into the index,
// spec 4.5's "Event application" steps 1-6.
func (t *TieredIndex) ApplyEvents(batch []model.Event) {
	t.applyGate.RLock()
	defer t.applyGate.RUnlock()

	if t.wal != nil {
		for _, ev := range batch {
			if _, err := t.wal.Append(ev); err != nil {
				t.log.Warn().Err(err).Str("path", ev.Path()).Msg("WAL append failed, continuing")
			}
		}
	}

	if t.rebuild.InProgress() {
		for _, ev := range batch {
			t.rebuild.Buffer(ev)
		}
		return
	}

	for _, ev := range batch {
		t.applyOverlay(ev)
	}

	if t.overlay.ConsumeFlushRequest() {
		t.flushRequested.Store(true)
	}

	t.l2.Load().ApplyEvents(batch)

	for _, ev := range batch {
		t.invalidateL1For(ev)
	}
}

func (t *TieredIndex) applyOverlay(ev model.Event) {
	switch ev.Kind {
	case model.EventCreate, model.EventModify:
		t.overlay.ApplyCreate(ev.Path())
	case model.EventDelete:
		t.overlay.ApplyDelete(ev.Path())
	case model.EventRename:
		t.overlay.ApplyRename(ev.FromPath(), ev.Path())
	}
}

func (t *TieredIndex) invalidateL1For(ev model.Event) {
	switch ev.Kind {
	case model.EventDelete:
		if ev.Ident.HasKey {
			t.l1.Invalidate(ev.Ident.Key)
		}
	case model.EventRename:
		if ev.From != nil && ev.From.HasKey {
			t.l1.Invalidate(ev.From.Key)
		}
	}
}

// FlushRequested reports whether an overlay threshold crossing (or an
// explicit caller) has asked for a snapshot.
func (t *TieredIndex) FlushRequested() bool {
	return t.flushRequested.Load()
}

// RequestFlush sets the flush-requested flag directly. The flag is
// informational (FlushRequested); the snapshot loop in run.go calls
// SnapshotNow on every tick whether or not it is set.
func (t *TieredIndex) RequestFlush() {
	t.flushRequested.Store(true)
}

// Stats is the periodic self-report spec's stats self-report (from
// original_source/src/stats/mod.rs) is supplemented onto this repo's
// status endpoint.
type Stats struct {
	IndexedCount     int
	DeltaDocCount    int
	OverlayDeleted   int
	OverlayUpserted  int
	DiskLayerCount   int
	RebuildPhase     string
	CompactionActive bool
}

// Stats reports a point-in-time snapshot of the coordinator's state.
func (t *TieredIndex) Stats() Stats {
	deleted, upserted := t.overlay.Counts()
	t.diskMu.RLock()
	diskCount := len(t.diskLayers)
	t.diskMu.RUnlock()

	l2 := t.l2.Load()
	diskLive := 0
	for _, seg := range t.diskLayersSnapshot() {
		diskLive += seg.DocCount() - int(seg.Tombstones().GetCardinality())
	}

	return Stats{
		IndexedCount:     l2.LiveCount() + diskLive,
		DeltaDocCount:    l2.LiveCount(),
		OverlayDeleted:   deleted,
		OverlayUpserted:  upserted,
		DiskLayerCount:   diskCount,
		RebuildPhase:     t.rebuild.Phase().String(),
		CompactionActive: t.compactionInProgress.Load(),
	}
}

func (t *TieredIndex) diskLayersSnapshot() []*segment.Segment {
	t.diskMu.RLock()
	defer t.diskMu.RUnlock()
	out := make([]*segment.Segment, len(t.diskLayers))
	copy(out, t.diskLayers)
	return out
}

// Close flushes a final snapshot and releases resources, used on
// graceful shutdown (spec 5: "the process responds to a shutdown signal
// by attempting one final snapshot_now").
func (t *TieredIndex) Close() error {
	var errs *multierror.Error
	if err := t.SnapshotNow(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("tiered: final snapshot: %w", err))
	}
	if t.wal != nil {
		if err := t.wal.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tiered: close WAL: %w", err))
		}
	}
	for _, seg := range t.diskLayersSnapshot() {
		if err := seg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("tiered: close segment %s: %w", seg.Path(), err))
		}
	}
	return errs.ErrorOrNil()
}

// now is a seam so tests can control cooldown timing without real
// sleeps; production always uses time.Now.
var now = time.Now
