package pathstore

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Postings is a trigram -> compressed bitmap of DocIDs map. It plays the
// role the teacher's sparse.Set played for one file's trigram set, but
// accumulated across an entire live index: each trigram maps to the set of
// documents whose path contains it. roaring.Bitmap gives the spec's
// required "run-length-compressed bitmap" (spec 9) for free, including
// for the dense contiguous-id ranges a single growing DeltaIndex produces.
type Postings struct {
	mu sync.RWMutex
	m  map[uint32]*roaring.Bitmap
}

// NewPostings returns an empty posting store.
func NewPostings() *Postings {
	return &Postings{m: make(map[uint32]*roaring.Bitmap)}
}

// Add records that trigram t appears in document id.
func (p *Postings) Add(t uint32, id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bm := p.m[t]
	if bm == nil {
		bm = roaring.New()
		p.m[t] = bm
	}
	bm.Add(id)
}

// Remove retracts trigram t from document id. The trigram's posting is
// dropped entirely once empty, so a later query correctly sees "trigram
// absent" rather than an empty-but-present list.
func (p *Postings) Remove(t uint32, id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bm, ok := p.m[t]
	if !ok {
		return
	}
	bm.Remove(id)
	if bm.IsEmpty() {
		delete(p.m, t)
	}
}

// Get returns a clone of the bitmap for trigram t, or nil if the trigram
// has never been seen. Cloning keeps callers from needing to hold p.mu
// across an intersection loop.
func (p *Postings) Get(t uint32) *roaring.Bitmap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bm, ok := p.m[t]
	if !ok {
		return nil
	}
	return bm.Clone()
}

// Cardinality returns the number of documents posted against trigram t,
// used to pick the smallest posting list to start an intersection from
// (spec 4.1: "intersect the postings starting from the smallest").
func (p *Postings) Cardinality(t uint32) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bm, ok := p.m[t]
	if !ok {
		return 0
	}
	return bm.GetCardinality()
}

// Trigrams returns every trigram with a non-empty posting, sorted
// ascending — the order the on-disk trigram table must be written in.
func (p *Postings) Trigrams() []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uint32, 0, len(p.m))
	for t := range p.m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of distinct trigrams currently posted.
func (p *Postings) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}
