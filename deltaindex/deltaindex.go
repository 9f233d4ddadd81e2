// Package deltaindex implements the in-memory, authoritative trigram index
// that absorbs live filesystem events (spec 4.1). It is the generalization
// of the teacher's IndexWriter: where IndexWriter streamed a one-shot
// build to disk, DeltaIndex stays mutable for its whole lifetime and is
// flushed to an immutable segment only when the coordinator decides to.
package deltaindex

import (
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
	"github.com/relnix/pathindex/query"
)

// DeltaIndex is the live, mutable index. Every exported method is safe for
// concurrent use. Writers are serialized by writeMu, which also fixes the
// lock acquisition order documented in spec 4.1
// (trigram-index -> path-hash -> filekey-map -> metas -> arena ->
// tombstones -> dirty): writeMu stands in for that whole chain for any one
// compound mutation, while each substructure keeps its own RWMutex so
// concurrent readers (queries, ForEachLiveMeta) never block on writeMu.
type DeltaIndex struct {
	log zerolog.Logger

	roots    *pathstore.Roots
	arena    *pathstore.Arena
	trigrams *pathstore.Postings

	writeMu sync.Mutex // serializes all compound mutations

	fkMu     sync.RWMutex
	fileKeys map[model.FileKey]model.DocID

	phMu     sync.RWMutex
	pathHash map[uint64][]model.DocID

	metaMu sync.RWMutex
	metas  []model.CompactMeta

	tombMu     sync.RWMutex
	tombstones *roaring.Bitmap

	dirtyMu sync.Mutex
	dirty   bool

	stat model.Statter
}

// Option configures a new DeltaIndex.
type Option func(*DeltaIndex)

// WithStatter overrides the default os.Lstat-backed Statter, primarily for
// tests.
func WithStatter(s model.Statter) Option {
	return func(d *DeltaIndex) { d.stat = s }
}

// WithLogger attaches a component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *DeltaIndex) { d.log = l }
}

// New returns an empty DeltaIndex sharing the given Roots table (callers
// typically share one Roots across the live delta and every disk layer).
func New(roots *pathstore.Roots, opts ...Option) *DeltaIndex {
	d := &DeltaIndex{
		log:        zerolog.Nop(),
		roots:      roots,
		arena:      pathstore.NewArena(),
		trigrams:   pathstore.NewPostings(),
		fileKeys:   make(map[model.FileKey]model.DocID),
		pathHash:   make(map[uint64][]model.DocID),
		tombstones: roaring.New(),
		stat:       defaultStatter,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Len returns the number of DocID slots ever allocated, live or
// tombstoned.
func (d *DeltaIndex) Len() int {
	d.metaMu.RLock()
	defer d.metaMu.RUnlock()
	return len(d.metas)
}

// LiveCount returns the number of documents not currently tombstoned.
func (d *DeltaIndex) LiveCount() int {
	d.metaMu.RLock()
	n := len(d.metas)
	d.metaMu.RUnlock()
	d.tombMu.RLock()
	dead := int(d.tombstones.GetCardinality())
	d.tombMu.RUnlock()
	return n - dead
}

// Dirty reports whether any mutation has happened since the last
// ClearDirty.
func (d *DeltaIndex) Dirty() bool {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	return d.dirty
}

// ClearDirty resets the dirty flag, called by the coordinator right after
// a successful flush.
func (d *DeltaIndex) ClearDirty() {
	d.dirtyMu.Lock()
	d.dirty = false
	d.dirtyMu.Unlock()
}

func (d *DeltaIndex) markDirty() {
	d.dirtyMu.Lock()
	d.dirty = true
	d.dirtyMu.Unlock()
}

// pathOf reconstructs the absolute path for a meta record
// (root prefix + arena bytes).
func (d *DeltaIndex) pathOf(m model.CompactMeta) string {
	root := d.roots.Get(m.RootID)
	rel := d.arena.Slice(m.PathOff, m.PathLen)
	return joinRootRel(root, string(rel))
}

func joinRootRel(root, rel string) string {
	if root == "" || root == "/" {
		if strings.HasPrefix(rel, "/") {
			return rel
		}
		return "/" + rel
	}
	if strings.HasSuffix(root, "/") {
		return root + rel
	}
	return root + "/" + rel
}

func pathHashOf(p string) uint64 {
	return xxhashString(p)
}

// buildResultLocked is used by Query to materialize a full Result from a
// DocID, skipping tombstoned slots.
func (d *DeltaIndex) buildResultLocked(id model.DocID) (model.Result, bool) {
	d.metaMu.RLock()
	if int(id) >= len(d.metas) {
		d.metaMu.RUnlock()
		return model.Result{}, false
	}
	m := d.metas[id]
	d.metaMu.RUnlock()

	d.tombMu.RLock()
	dead := d.tombstones.Contains(uint32(id))
	d.tombMu.RUnlock()
	if dead {
		return model.Result{}, false
	}
	return model.Result{
		Path:    d.pathOf(m),
		Size:    m.Size,
		MtimeNS: m.MtimeNS,
		Key:     m.Key,
	}, true
}

// Query runs q against the live index, per spec 4.1: extract trigrams from
// the matcher's literal prefix; if any required trigram is absent, the
// answer is an empty set; otherwise intersect starting from the smallest
// posting list and apply the byte-level matcher to survivors.
func (d *DeltaIndex) Query(q query.Query) []model.Result {
	candidates := d.candidateDocIDs(q.Matcher.LiteralPrefix())

	limit := q.Limit
	var out []model.Result
	if candidates == nil {
		// No usable literal prefix: full scan.
		d.metaMu.RLock()
		n := len(d.metas)
		d.metaMu.RUnlock()
		for i := 0; i < n; i++ {
			res, ok := d.buildResultLocked(model.DocID(i))
			if !ok {
				continue
			}
			if q.Matcher.Match(res.Path) {
				out = append(out, res)
				if limit > 0 && len(out) >= limit {
					break
				}
			}
		}
		return out
	}

	it := candidates.Iterator()
	for it.HasNext() {
		id := model.DocID(it.Next())
		res, ok := d.buildResultLocked(id)
		if !ok {
			continue
		}
		if q.Matcher.Match(res.Path) {
			out = append(out, res)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// candidateDocIDs returns the intersection of postings for every trigram
// in literalPrefix, smallest-cardinality-first, or nil if literalPrefix is
// too short to produce any trigram (caller must fall back to a full
// scan).
func (d *DeltaIndex) candidateDocIDs(literalPrefix string) *roaring.Bitmap {
	trigrams := pathstore.ExtractLiteralTrigrams(literalPrefix)
	if len(trigrams) == 0 {
		return nil
	}

	type trigramCard struct {
		t    uint32
		card uint64
	}
	tcs := make([]trigramCard, len(trigrams))
	for i, t := range trigrams {
		tcs[i] = trigramCard{t, d.trigrams.Cardinality(t)}
	}
	// Any absent trigram (cardinality 0, and genuinely never posted)
	// means an empty result - but cardinality 0 also happens for a
	// trigram that legitimately has no postings, which is the same
	// correct negative (spec 7: "this is a correct negative, not an
	// error").
	for _, tc := range tcs {
		if d.trigrams.Get(tc.t) == nil {
			return roaring.New()
		}
	}
	// Smallest first.
	for i := 1; i < len(tcs); i++ {
		for j := i; j > 0 && tcs[j].card < tcs[j-1].card; j-- {
			tcs[j], tcs[j-1] = tcs[j-1], tcs[j]
		}
	}

	var result *roaring.Bitmap
	for _, tc := range tcs {
		bm := d.trigrams.Get(tc.t)
		if bm == nil {
			return roaring.New()
		}
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
		if result.IsEmpty() {
			break
		}
	}
	return result
}

// ForEachLiveMeta visits every non-tombstoned document. Used by
// compaction and segment export; takes a read lock on metas/tombstones
// for the duration of the scan rather than per-call, matching the
// teacher's "generator over a locked structure" shape (design note 9).
func (d *DeltaIndex) ForEachLiveMeta(visit func(id model.DocID, m model.CompactMeta, path string)) {
	d.metaMu.RLock()
	defer d.metaMu.RUnlock()
	d.tombMu.RLock()
	defer d.tombMu.RUnlock()
	for i, m := range d.metas {
		if d.tombstones.Contains(uint32(i)) {
			continue
		}
		visit(model.DocID(i), m, d.pathOf(m))
	}
}
