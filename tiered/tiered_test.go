package tiered

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
	"github.com/relnix/pathindex/query"
	"github.com/relnix/pathindex/segment"
	"github.com/relnix/pathindex/segstore"
	"github.com/relnix/pathindex/walog"
)

func fakeStatter(table map[string]model.StatResult) model.Statter {
	return func(path string) (model.StatResult, bool) {
		r, ok := table[path]
		return r, ok
	}
}

// newTestTieredIndex wires a TieredIndex against a real (temp-dir backed)
// segstore.Store and walog.WAL, the same dependencies startup would hand
// it in production, just pointed at t.TempDir().
func newTestTieredIndex(t *testing.T, table map[string]model.StatResult) *TieredIndex {
	t.Helper()
	dir := t.TempDir()
	roots := pathstore.NewRoots()

	store, err := segstore.Open(dir+"/segments", zerolog.Nop())
	if err != nil {
		t.Fatalf("open segstore: %v", err)
	}
	wal, err := walog.Open(dir + "/wal.log")
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	ti, err := New(Config{
		Roots: roots,
		Stat:  fakeStatter(table),
		Store: store,
		WAL:   wal,
		Log:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("tiered.New: %v", err)
	}
	return ti
}

// writeDiskSegment builds a segment directly (bypassing SnapshotNow) so
// query-merge tests can set up disk layers without driving the whole
// flush pipeline.
func writeDiskSegment(t *testing.T, ti *TieredIndex, entries map[string]model.FileKey) *segment.Segment {
	t.Helper()
	scratch := deltaindex.New(ti.roots)
	for path, key := range entries {
		scratch.Upsert(path, key, 1, 1)
	}
	exp := scratch.Export()
	id, err := ti.store.AppendDelta(exp, 0, 1)
	if err != nil {
		t.Fatalf("append disk segment: %v", err)
	}
	seg, err := segment.Open(ti.store.SegmentPath(id))
	if err != nil {
		t.Fatalf("open written segment: %v", err)
	}
	ti.diskLayers = append(ti.diskLayers, seg)
	return seg
}

func TestQueryMergesL2AndDiskNewestWins(t *testing.T) {
	ti := newTestTieredIndex(t, nil)

	writeDiskSegment(t, ti, map[string]model.FileKey{
		"/a/old.txt":   {Device: 1, Inode: 1},
		"/a/stable.txt": {Device: 1, Inode: 2},
	})

	// L2-live has a fresher copy of stable.txt (same FileKey) plus a new
	// file; the disk copy of stable.txt must not also be returned.
	ti.l2.Load().Upsert("/a/stable.txt", model.FileKey{Device: 1, Inode: 2}, 99, 999)
	ti.l2.Load().Upsert("/a/new.txt", model.FileKey{Device: 1, Inode: 3}, 5, 5)

	res := ti.Query(query.Query{Matcher: query.NewSubstring("/a/")})
	byPath := make(map[string]model.Result)
	for _, r := range res {
		if _, dup := byPath[r.Path]; dup {
			t.Fatalf("path %s returned more than once: %+v", r.Path, res)
		}
		byPath[r.Path] = r
	}
	if len(byPath) != 3 {
		t.Fatalf("expected 3 distinct paths, got %d: %+v", len(byPath), res)
	}
	if byPath["/a/stable.txt"].Size != 99 {
		t.Fatalf("stale disk copy of stable.txt won over L2-live: %+v", byPath["/a/stable.txt"])
	}
}

func TestQueryMasksOverlayDeletedPath(t *testing.T) {
	ti := newTestTieredIndex(t, nil)
	writeDiskSegment(t, ti, map[string]model.FileKey{
		"/a/gone.txt": {Device: 1, Inode: 1},
	})
	ti.overlay.ApplyDelete("/a/gone.txt")

	res := ti.Query(query.Query{Matcher: query.NewSubstring("gone")})
	if len(res) != 0 {
		t.Fatalf("overlay-deleted path still returned: %+v", res)
	}
}

func TestQueryExactPathServedFromL1(t *testing.T) {
	ti := newTestTieredIndex(t, nil)
	ti.l1.Put(model.Result{Path: "/cached/only.txt", Size: 42, Key: model.FileKey{Device: 9, Inode: 9}})

	res := ti.Query(query.Query{ExactPath: "/cached/only.txt"})
	if len(res) != 1 || res[0].Size != 42 {
		t.Fatalf("exact-path L1 fast path returned %+v", res)
	}
}

func TestApplyEventsBuffersDuringRebuild(t *testing.T) {
	ti := newTestTieredIndex(t, map[string]model.StatResult{
		"/a/during.txt": {Key: model.FileKey{Device: 1, Inode: 1}, Size: 1, MtimeNS: 1},
	})
	ti.rebuild.TryStart(ReasonOperatorRequest)

	ti.ApplyEvents([]model.Event{
		{Kind: model.EventCreate, Ident: model.FileIdentifier{Path: "/a/during.txt"}},
	})

	if ti.l2.Load().LiveCount() != 0 {
		t.Fatalf("event applied directly to L2-live while a rebuild was in progress")
	}
	empty, _ := ti.rebuild.finishOnce()
	if empty {
		t.Fatalf("finishOnce reported empty pending set, want the buffered create to still be pending")
	}
	pending := ti.rebuild.drainPending()
	if len(pending) != 1 || pending[0].Path() != "/a/during.txt" {
		t.Fatalf("buffered event missing or wrong: %+v", pending)
	}
}

func TestSnapshotNowBootstrapsBase(t *testing.T) {
	ti := newTestTieredIndex(t, nil)
	ti.l2.Load().Upsert("/a/b.txt", model.FileKey{Device: 1, Inode: 1}, 10, 100)

	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}

	m := ti.store.Manifest()
	if m.BaseID == 0 {
		t.Fatalf("expected a base segment to be published, manifest = %+v", m)
	}
	if len(m.DeltaIDs) != 0 {
		t.Fatalf("first flush should bootstrap directly into a base, got deltas %v", m.DeltaIDs)
	}
	if ti.l2.Load().LiveCount() != 0 {
		t.Fatalf("L2-live should be reset to empty after a flush")
	}
	res := ti.Query(query.Query{Matcher: query.NewSubstring("b.txt")})
	if len(res) != 1 {
		t.Fatalf("flushed data not queryable from disk layer: %+v", res)
	}
}

func TestSnapshotNowAppendsDeltaAfterBase(t *testing.T) {
	ti := newTestTieredIndex(t, nil)
	ti.l2.Load().Upsert("/a/one.txt", model.FileKey{Device: 1, Inode: 1}, 1, 1)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("first SnapshotNow: %v", err)
	}

	ti.l2.Load().Upsert("/a/two.txt", model.FileKey{Device: 1, Inode: 2}, 2, 2)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("second SnapshotNow: %v", err)
	}

	m := ti.store.Manifest()
	if m.BaseID == 0 || len(m.DeltaIDs) != 1 {
		t.Fatalf("expected base + 1 delta, got %+v", m)
	}
	res := ti.Query(query.Query{Matcher: query.NewSubstring("/a/")})
	if len(res) != 2 {
		t.Fatalf("expected both base and delta entries queryable, got %+v", res)
	}
}

func TestSnapshotNowNoOpWhenClean(t *testing.T) {
	ti := newTestTieredIndex(t, nil)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("SnapshotNow on empty index: %v", err)
	}
	if ti.store.Manifest().BaseID != 0 {
		t.Fatalf("an empty, non-dirty index should not publish a base segment")
	}
}

func TestCompactionMergesDeltasIntoSingleBase(t *testing.T) {
	ti := newTestTieredIndex(t, nil)

	ti.l2.Load().Upsert("/a/one.txt", model.FileKey{Device: 1, Inode: 1}, 1, 1)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	ti.l2.Load().Upsert("/a/two.txt", model.FileKey{Device: 1, Inode: 2}, 2, 2)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	ti.l2.Load().Upsert("/a/three.txt", model.FileKey{Device: 1, Inode: 3}, 3, 3)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("snapshot 3: %v", err)
	}

	if len(ti.store.Manifest().DeltaIDs) < compactionDeltaThreshold {
		t.Fatalf("test setup should have crossed the compaction threshold, manifest = %+v", ti.store.Manifest())
	}

	// SnapshotNow has already started a background compaction, and
	// runCompaction returns at once while one is running; wait for it,
	// then run one directly (a no-op if the background one folded all).
	for ti.compactionInProgress.Load() {
		time.Sleep(time.Millisecond)
	}
	ti.runCompaction()

	m := ti.store.Manifest()
	if len(m.DeltaIDs) != 0 {
		t.Fatalf("compaction should have folded every delta into the base, remaining deltas %v", m.DeltaIDs)
	}
	res := ti.Query(query.Query{Matcher: query.NewSubstring("/a/")})
	if len(res) != 3 {
		t.Fatalf("expected all 3 compacted entries queryable, got %+v", res)
	}
}

// TestDeleteOfBaseResidentPathSurvivesRestart is spec literal Scenario S1:
// a path lives in the base segment, gets deleted while only a delta (not
// yet compacted) records the delete, and the process restarts before
// compaction ever runs. A fresh TieredIndex built from the same on-disk
// store/manifest — with a brand new, empty overlay — must still mask the
// base's stale live copy, which only the delta's own deleted-paths sidecar
// (not the wiped-on-restart overlay, and not the trimmed WAL) can tell it.
func TestDeleteOfBaseResidentPathSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	roots := pathstore.NewRoots()

	store, err := segstore.Open(dir+"/segments", zerolog.Nop())
	if err != nil {
		t.Fatalf("open segstore: %v", err)
	}
	wal, err := walog.Open(dir + "/wal.log")
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	ti := newTieredFor(t, roots, store, wal, nil)
	ti.l2.Load().Upsert("/a/alpha.txt", model.FileKey{Device: 1, Inode: 1}, 1, 1)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("bootstrap base: %v", err)
	}

	ti.overlay.ApplyDelete("/a/alpha.txt")
	ti.l2.Load().Upsert("/a/gamma.txt", model.FileKey{Device: 1, Inode: 2}, 2, 2)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("flush delta with pending delete: %v", err)
	}

	m := ti.store.Manifest()
	if m.BaseID == 0 || len(m.DeltaIDs) != 1 {
		t.Fatalf("expected base + 1 delta before compaction, got %+v", m)
	}

	// Simulate a process restart: a brand new Store/Roots/TieredIndex
	// mounted from the same on-disk directory, with an empty overlay.
	restartedStore, err := segstore.Open(dir+"/segments", zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen segstore: %v", err)
	}
	restartedRoots := pathstore.NewRoots()
	layers, err := restartedStore.OpenSegments()
	if err != nil {
		t.Fatalf("reopen segments: %v", err)
	}

	restarted, err := New(Config{
		Roots:  restartedRoots,
		Stat:   fakeStatter(nil),
		Store:  restartedStore,
		Layers: layers,
		Log:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("tiered.New after restart: %v", err)
	}

	res := restarted.Query(query.Query{Matcher: query.NewSubstring("/a/")})
	byPath := make(map[string]model.Result, len(res))
	for _, r := range res {
		byPath[r.Path] = r
	}
	if _, stillThere := byPath["/a/alpha.txt"]; stillThere {
		t.Fatalf("deleted base-resident path resurfaced after restart: %+v", res)
	}
	if _, ok := byPath["/a/gamma.txt"]; !ok {
		t.Fatalf("live delta path missing after restart: %+v", res)
	}
}

// newTieredFor is like newTestTieredIndex but takes already-opened
// dependencies, letting a test build a second TieredIndex against the
// same on-disk directory to simulate a restart.
func newTieredFor(t *testing.T, roots *pathstore.Roots, store *segstore.Store, wal *walog.WAL, table map[string]model.StatResult) *TieredIndex {
	t.Helper()
	ti, err := New(Config{
		Roots: roots,
		Stat:  fakeStatter(table),
		Store: store,
		WAL:   wal,
		Log:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("tiered.New: %v", err)
	}
	return ti
}

func TestRebuildReplacesEverything(t *testing.T) {
	ti := newTestTieredIndex(t, nil)
	ti.l2.Load().Upsert("/old/stale.txt", model.FileKey{Device: 1, Inode: 1}, 1, 1)
	if err := ti.SnapshotNow(); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	done := make(chan struct{})
	ti.rebuildFn = func() (*deltaindex.DeltaIndex, error) {
		fresh := deltaindex.New(ti.roots)
		fresh.Upsert("/new/rebuilt.txt", model.FileKey{Device: 2, Inode: 1}, 5, 5)
		return fresh, nil
	}

	started := ti.rebuild.TryStart(ReasonOperatorRequest)
	if !started {
		t.Fatalf("expected rebuild to start")
	}
	go func() {
		ti.runRebuild()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("rebuild did not complete")
	}

	res := ti.Query(query.Query{Matcher: query.NewSubstring("stale")})
	if len(res) != 0 {
		t.Fatalf("pre-rebuild data should be gone, got %+v", res)
	}
	res = ti.Query(query.Query{Matcher: query.NewSubstring("rebuilt")})
	if len(res) != 1 {
		t.Fatalf("rebuilt data not queryable: %+v", res)
	}
}
