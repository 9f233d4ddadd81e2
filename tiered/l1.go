package tiered

import (
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/relnix/pathindex/model"
)

// l1Cache is the bounded, FileKey-keyed result cache spec 4.5 names: "a
// bounded LRU cache keyed by FileKey, populated by top-N results of
// successful queries, invalidated on delete/rename." ristretto supplies
// the admission policy and size-bounded eviction; since a query needs to
// scan for path matches rather than look up by FileKey, a small
// companion map tracks the live key set so Candidates can enumerate it
// without reaching into ristretto's internals, and is kept in sync via
// ristretto's OnEvict hook so it never drifts from what's actually
// resident.
type l1Cache struct {
	mu      sync.RWMutex
	live    map[model.FileKey]model.Result
	byPath  map[string]model.FileKey
	cache   *ristretto.Cache
	maxCost int64
}

func newL1Cache(maxEntries int64) (*l1Cache, error) {
	l := &l1Cache{
		live:    make(map[model.FileKey]model.Result),
		byPath:  make(map[string]model.FileKey),
		maxCost: maxEntries,
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item) {
			if evicted, ok := item.Value.(model.Result); ok {
				key := evicted.Key
				l.mu.Lock()
				if res, ok := l.live[key]; ok {
					delete(l.byPath, res.Path)
				}
				delete(l.live, key)
				l.mu.Unlock()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	l.cache = cache
	return l, nil
}

// Put inserts res, keyed by its FileKey, with unit cost (cost models
// "number of cached path entries", not bytes, since the point is to
// bound entry count).
func (l *l1Cache) Put(res model.Result) {
	l.mu.Lock()
	l.live[res.Key] = res
	l.byPath[res.Path] = res.Key
	l.mu.Unlock()
	l.cache.Set(res.Key, res, 1)
}

// Invalidate drops key from both the backing cache and the live index,
// called on delete/rename-from per spec 4.5 step 6.
func (l *l1Cache) Invalidate(key model.FileKey) {
	l.mu.Lock()
	if res, ok := l.live[key]; ok {
		delete(l.byPath, res.Path)
	}
	delete(l.live, key)
	l.mu.Unlock()
	l.cache.Del(key)
}

// Lookup returns a resident entry for path, if any. This backs the
// exact-path fast path in Query step 1: a request for one specific
// absolute path that happens to be cached skips L2-live and every disk
// layer entirely.
func (l *l1Cache) Lookup(path string) (model.Result, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	key, ok := l.byPath[path]
	if !ok {
		return model.Result{}, false
	}
	res, ok := l.live[key]
	return res, ok
}

// Clear drops every entry, used when a rebuild finishes (spec 4.5's
// Rebuild FSM: "clear L1") and whenever a flush invalidates the whole
// index view.
func (l *l1Cache) Clear() {
	l.mu.Lock()
	l.live = make(map[model.FileKey]model.Result)
	l.byPath = make(map[string]model.FileKey)
	l.mu.Unlock()
	l.cache.Clear()
}

// Candidates returns every currently-resident result whose path matches.
// Matching is a linear scan; the cache is bounded by maxCost so this
// stays cheap regardless of corpus size.
func (l *l1Cache) Candidates(match func(path string) bool) []model.Result {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.Result
	for _, res := range l.live {
		if match(res.Path) {
			out = append(out, res)
		}
	}
	return out
}
