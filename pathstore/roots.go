package pathstore

import (
	"sort"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// Roots is the ordered, deduplicated list of filesystem roots an index
// covers. Position 0 is always "/", a fallback root for paths that do not
// fall under any configured root (matches spec 3).
type Roots struct {
	mu    sync.RWMutex
	list  []string
	index map[string]uint16
}

// NewRoots returns a Roots table containing only the fallback root "/".
func NewRoots() *Roots {
	r := &Roots{
		list:  []string{"/"},
		index: map[string]uint16{"/": 0},
	}
	return r
}

// NewRootsFrom rebuilds a Roots table from an already-sorted, deduplicated
// list read back from a segment. The caller (segment package) is
// responsible for the sort/dedup invariant; this constructor trusts it.
func NewRootsFrom(list []string) *Roots {
	r := &Roots{list: append([]string(nil), list...), index: make(map[string]uint16, len(list))}
	for i, s := range r.list {
		r.index[s] = uint16(i)
	}
	return r
}

// IDFor returns the id for root, inserting it (keeping the list sorted by
// byte value, "/" pinned at position 0) if it is new.
func (r *Roots) IDFor(root string) uint16 {
	r.mu.RLock()
	if id, ok := r.index[root]; ok {
		r.mu.RUnlock()
		return id
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.index[root]; ok {
		return id
	}
	if root == "/" {
		return 0
	}
	r.list = append(r.list, root)
	sort.Slice(r.list[1:], func(i, j int) bool { return r.list[1+i] < r.list[1+j] })
	r.index = make(map[string]uint16, len(r.list))
	for i, s := range r.list {
		r.index[s] = uint16(i)
	}
	return r.index[root]
}

// Get returns the root string for id, or "" if id is out of range.
func (r *Roots) Get(id uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.list) {
		return ""
	}
	return r.list[id]
}

// All returns a snapshot of the roots list in on-disk order.
func (r *Roots) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.list))
	copy(out, r.list)
	return out
}

// Hash returns a stable 64-bit hash over the encoded roots list, used to
// gate loading a segment produced under a different set of roots (spec 8,
// property 8: "Roots-hash gating").
func (r *Roots) Hash() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := xxhash.New64()
	for _, s := range r.list {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
