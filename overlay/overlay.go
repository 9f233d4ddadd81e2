// Package overlay implements the cross-segment shadow set described in
// spec 4.4: a per-process pair of path sets (deleted, upserted) that lets
// a query mask out paths deleted from an on-disk segment, or newly
// created paths not yet flushed to one, without ever touching a
// segment's mmap'd pages. It is the live complement to segment's
// immutable tombstone bitmaps: tombstones live inside a segment and are
// written once; the overlay lives in the coordinator and is drained on
// every flush.
package overlay

import (
	"sync"

	"github.com/relnix/pathindex/pathstore"
)

// Thresholds, in the absence of operator-supplied values (spec 4.4's
// "configurable threshold"; config.Config exposes these as
// AutoFlushOverlayPaths/AutoFlushOverlayBytes).
const (
	DefaultAutoFlushPaths = 50_000
	DefaultAutoFlushBytes = 64 << 20
)

// Overlay holds the deleted/upserted path sets. Both sets are backed by
// a shared Arena the way pathstore.Arena backs a DeltaIndex's path
// storage, generalizing the same "byte arena + hash-indexed lookup"
// shape spec 4.4 names explicitly.
type Overlay struct {
	mu sync.Mutex

	arena *pathstore.Arena

	deleted  map[uint64][]pathRef
	upserted map[uint64][]pathRef

	deletedCount  int
	upsertedCount int

	autoFlushPaths int
	autoFlushBytes int

	flushRequested bool
}

type pathRef struct {
	off uint32
	n   uint16
}

// Option configures a new Overlay.
type Option func(*Overlay)

// WithAutoFlushThresholds overrides the defaults.
func WithAutoFlushThresholds(maxPaths, maxBytes int) Option {
	return func(o *Overlay) {
		o.autoFlushPaths = maxPaths
		o.autoFlushBytes = maxBytes
	}
}

// New returns an empty Overlay.
func New(opts ...Option) *Overlay {
	o := &Overlay{
		arena:          pathstore.NewArena(),
		deleted:        make(map[uint64][]pathRef),
		upserted:       make(map[uint64][]pathRef),
		autoFlushPaths: DefaultAutoFlushPaths,
		autoFlushBytes: DefaultAutoFlushBytes,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Overlay) resolve(set map[uint64][]pathRef, path string) (int, []pathRef) {
	h := hashPath(path)
	refs := set[h]
	for i, r := range refs {
		if string(o.arena.Slice(r.off, r.n)) == path {
			return i, refs
		}
	}
	return -1, refs
}

func (o *Overlay) addLocked(set map[uint64][]pathRef, path string) {
	h := hashPath(path)
	if i, refs := o.resolve(set, path); i >= 0 {
		_ = refs
		return
	}
	off, n := o.arena.Append([]byte(path))
	set[h] = append(set[h], pathRef{off: off, n: n})
}

func (o *Overlay) removeLocked(set map[uint64][]pathRef, path string) bool {
	h := hashPath(path)
	i, refs := o.resolve(set, path)
	if i < 0 {
		return false
	}
	set[h] = append(refs[:i], refs[i+1:]...)
	if len(set[h]) == 0 {
		delete(set, h)
	}
	return true
}

// ApplyCreate records path as upserted and cancels any pending delete for
// it (spec S6: "overlay cancel").
func (o *Overlay) ApplyCreate(path string) {
	o.apply(path, true)
}

// ApplyModify behaves identically to ApplyCreate for overlay purposes:
// both mean "this path is live as of now."
func (o *Overlay) ApplyModify(path string) {
	o.apply(path, true)
}

// ApplyDelete records path as deleted and cancels any pending upsert.
func (o *Overlay) ApplyDelete(path string) {
	o.apply(path, false)
}

// ApplyRename decomposes into a delete of from and an upsert of to, per
// spec 4.4.
func (o *Overlay) ApplyRename(from, to string) {
	o.apply(from, false)
	o.apply(to, true)
}

func (o *Overlay) apply(path string, isUpsert bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if isUpsert {
		if o.removeLocked(o.deleted, path) {
			o.deletedCount--
		}
		before := len(o.upserted[hashPath(path)])
		o.addLocked(o.upserted, path)
		if len(o.upserted[hashPath(path)]) > before {
			o.upsertedCount++
		}
	} else {
		if o.removeLocked(o.upserted, path) {
			o.upsertedCount--
		}
		before := len(o.deleted[hashPath(path)])
		o.addLocked(o.deleted, path)
		if len(o.deleted[hashPath(path)]) > before {
			o.deletedCount++
		}
	}

	if o.deletedCount+o.upsertedCount >= o.autoFlushPaths || o.arena.Len() >= o.autoFlushBytes {
		o.flushRequested = true
	}
}

// FlushRequested reports whether a threshold crossing has requested a
// flush since the last ConsumeFlushRequest.
func (o *Overlay) FlushRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushRequested
}

// ConsumeFlushRequest atomically reads and clears the flush-requested
// flag (false->true transition notification, spec 4.5 step 4).
func (o *Overlay) ConsumeFlushRequest() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.flushRequested
	o.flushRequested = false
	return v
}

// IsDeleted reports whether path is currently shadowed by a delete.
func (o *Overlay) IsDeleted(path string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	i, _ := o.resolve(o.deleted, path)
	return i >= 0
}

// DeletedPaths returns a snapshot of every currently-deleted path, used
// by Query to build its `blocked` set and by compaction to tombstone
// them in the merged base.
func (o *Overlay) DeletedPaths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, o.deletedCount)
	for _, refs := range o.deleted {
		for _, r := range refs {
			out = append(out, string(o.arena.Slice(r.off, r.n)))
		}
	}
	return out
}

// Counts reports the current path counts, used by the status/stats
// surface.
func (o *Overlay) Counts() (deleted, upserted int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deletedCount, o.upsertedCount
}

// Drain captures the current deleted-paths set (for the flush's sidecar)
// and resets the overlay to contain only those same deleted paths —
// spec 4.5 step 3: "Drain overlay, keeping only deleted paths not
// subsequently upserted." Since ApplyCreate/Modify already cancels a
// pending delete in place, whatever remains in o.deleted at drain time
// already satisfies that invariant; Drain's reset exists to discard the
// upserted set (no longer needed once its documents are in the new
// L2-live) and to reclaim the arena.
func (o *Overlay) Drain() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	deleted := make([]string, 0, o.deletedCount)
	for _, refs := range o.deleted {
		for _, r := range refs {
			deleted = append(deleted, string(o.arena.Slice(r.off, r.n)))
		}
	}

	newArena := pathstore.NewArena()
	newDeleted := make(map[uint64][]pathRef, len(deleted))
	for _, p := range deleted {
		off, n := newArena.Append([]byte(p))
		h := hashPath(p)
		newDeleted[h] = append(newDeleted[h], pathRef{off: off, n: n})
	}

	o.arena = newArena
	o.deleted = newDeleted
	o.upserted = make(map[uint64][]pathRef)
	o.upsertedCount = 0
	o.flushRequested = false

	return deleted
}

// Reset clears both sets entirely, used when arena overflow forces a
// full discard (spec 4.3/7: "arena overflow ... overlay is cleared next
// cycle to prevent unbounded growth").
func (o *Overlay) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.arena = pathstore.NewArena()
	o.deleted = make(map[uint64][]pathRef)
	o.upserted = make(map[uint64][]pathRef)
	o.deletedCount = 0
	o.upsertedCount = 0
}
