package tiered

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
	"github.com/relnix/pathindex/query"
	"github.com/relnix/pathindex/segment"
)

// Query answers q, implementing spec 4.5's cross-layer algorithm exactly:
//
//  1. If q.ExactPath is set, serve it from L1 if resident (the one case
//     where a FileKey-keyed cache can answer a query without scanning
//     anything, since the caller already knows the single path it wants).
//  2. Seed `blocked` with the overlay's currently-deleted paths.
//  3. Query L2-live. Every path it returns is added to blocked (so an
//     older disk layer's stale copy of that path is masked) and, unless
//     already blocked, emitted.
//  4. Walk disk layers newest-to-oldest. Each layer's own tombstones
//     already exclude what was deleted as of that layer's write time;
//     `blocked` additionally excludes anything a newer layer (or the
//     overlay) has since superseded. Surviving matches are added to
//     blocked and emitted, so an even older layer cannot resurrect them.
//  5. On a non-empty result, backfill up to l1BackfillLimit entries into
//     L1.
func (t *TieredIndex) Query(q query.Query) []model.Result {
	if q.ExactPath != "" {
		if res, ok := t.l1.Lookup(q.ExactPath); ok {
			return []model.Result{res}
		}
	}

	blocked := make(map[string]bool)
	for _, p := range t.overlay.DeletedPaths() {
		blocked[p] = true
	}

	var out []model.Result
	limit := q.Limit

	// emit reports whether the caller should keep scanning.
	emit := func(res model.Result) bool {
		if blocked[res.Path] {
			return true
		}
		blocked[res.Path] = true
		out = append(out, res)
		return !(limit > 0 && len(out) >= limit)
	}

	l2 := t.l2.Load()
	for _, res := range l2.Query(query.Query{Matcher: q.Matcher}) {
		if !emit(res) {
			t.backfillL1(out)
			return out
		}
	}

	for _, seg := range t.diskLayersNewestFirst() {
		// This layer's own sidecar records paths it deleted out from under
		// an older, not-yet-compacted layer (spec 4.3). Seed blocked with
		// them before scanning any older layer, so the masking survives a
		// restart even though the in-memory overlay does not.
		for _, p := range seg.DeletedPaths() {
			blocked[p] = true
		}

		stop := false
		queryLayer(seg, q.Matcher, func(res model.Result) bool {
			if !emit(res) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			break
		}
	}

	t.backfillL1(out)
	return out
}

// diskLayersNewestFirst returns the current disk-layer snapshot reversed:
// segstore.Store.OpenSegments publishes base-first/oldest-delta-first, and
// Query needs newest-wins order.
func (t *TieredIndex) diskLayersNewestFirst() []*segment.Segment {
	layers := t.diskLayersSnapshot()
	out := make([]*segment.Segment, len(layers))
	for i, seg := range layers {
		out[len(layers)-1-i] = seg
	}
	return out
}

// queryLayer applies m against seg, calling visit for each surviving match
// in DocID order; visit returns false to stop early (limit reached).
func queryLayer(seg *segment.Segment, m query.Matcher, visit func(model.Result) bool) {
	candidates := segmentCandidates(seg, m.LiteralPrefix())
	if candidates == nil {
		seg.ForEachLiveMeta(func(id model.DocID, meta model.CompactMeta, path string) {
			if !m.Match(path) {
				return
			}
			visit(model.Result{Path: path, Size: meta.Size, MtimeNS: meta.MtimeNS, Key: meta.Key})
		})
		return
	}

	it := candidates.Iterator()
	for it.HasNext() {
		id := model.DocID(it.Next())
		if seg.IsTombstoned(id) {
			continue
		}
		meta, ok := seg.Meta(id)
		if !ok {
			continue
		}
		path := seg.PathOf(meta)
		if !m.Match(path) {
			continue
		}
		if !visit(model.Result{Path: path, Size: meta.Size, MtimeNS: meta.MtimeNS, Key: meta.Key}) {
			return
		}
	}
}

// segmentCandidates intersects the posting lists for literalPrefix's
// trigrams, or returns nil (full-scan fallback) if literalPrefix is too
// short or the segment predates full-path trigram indexing.
func segmentCandidates(seg *segment.Segment, literalPrefix string) *roaring.Bitmap {
	if !seg.HasFullPathTrigrams() {
		return nil
	}
	trigrams := pathstore.ExtractLiteralTrigrams(literalPrefix)
	if len(trigrams) == 0 {
		return nil
	}

	var result *roaring.Bitmap
	for _, tg := range trigrams {
		bm, err := seg.Posting(tg)
		if err != nil || bm == nil {
			return roaring.New()
		}
		if result == nil {
			result = bm.Clone()
		} else {
			result.And(bm)
		}
		if result.IsEmpty() {
			break
		}
	}
	return result
}

func (t *TieredIndex) backfillL1(results []model.Result) {
	if len(results) == 0 {
		return
	}
	n := len(results)
	if n > l1BackfillLimit {
		n = l1BackfillLimit
	}
	for _, res := range results[:n] {
		t.l1.Put(res)
	}
}
