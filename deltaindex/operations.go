package deltaindex

import (
	"os"
	"syscall"

	"github.com/OneOfOne/xxhash"

	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
)

func xxhashString(s string) uint64 {
	h := xxhash.New64()
	h.Write([]byte(s))
	return h.Sum64()
}

// defaultStatter backs production DeltaIndexes: os.Lstat so a symlink is
// identified by its own inode, not its target's.
func defaultStatter(path string) (model.StatResult, bool) {
	fi, err := os.Lstat(path)
	if err != nil {
		return model.StatResult{}, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return model.StatResult{}, false
	}
	return model.StatResult{
		Key:     model.FileKey{Device: uint64(st.Dev), Inode: st.Ino},
		Size:    uint64(fi.Size()),
		MtimeNS: fi.ModTime().UnixNano(),
	}, true
}

// lookupByFileKey returns the live DocID for key, if any.
func (d *DeltaIndex) lookupByFileKey(key model.FileKey) (model.DocID, bool) {
	d.fkMu.RLock()
	defer d.fkMu.RUnlock()
	id, ok := d.fileKeys[key]
	return id, ok
}

// lookupByPath returns the live DocID whose reconstructed path equals
// path exactly, if any. pathHash narrows to a short candidate list before
// the exact string comparison, matching the teacher's "hash then confirm"
// pattern from its postingReader merge (index/merge.go).
func (d *DeltaIndex) lookupByPath(path string) (model.DocID, bool) {
	h := pathHashOf(path)
	d.phMu.RLock()
	candidates := append([]model.DocID(nil), d.pathHash[h]...)
	d.phMu.RUnlock()

	for _, id := range candidates {
		d.metaMu.RLock()
		if int(id) >= len(d.metas) {
			d.metaMu.RUnlock()
			continue
		}
		m := d.metas[id]
		d.metaMu.RUnlock()

		d.tombMu.RLock()
		dead := d.tombstones.Contains(uint32(id))
		d.tombMu.RUnlock()
		if dead {
			continue
		}
		if d.pathOf(m) == path {
			return id, true
		}
	}
	return model.InvalidDocID, false
}

// allocSlot appends a new meta record and returns its DocID. Caller holds
// writeMu.
func (d *DeltaIndex) allocSlot(m model.CompactMeta) model.DocID {
	d.metaMu.Lock()
	id := model.DocID(len(d.metas))
	d.metas = append(d.metas, m)
	d.metaMu.Unlock()
	return id
}

// indexTrigramsAndHash posts every trigram of path against id and records
// id under path's hash bucket. Caller holds writeMu.
func (d *DeltaIndex) indexTrigramsAndHash(id model.DocID, path string) {
	for _, t := range pathstore.FullPathTrigrams(path) {
		d.trigrams.Add(t, uint32(id))
	}
	h := pathHashOf(path)
	d.phMu.Lock()
	d.pathHash[h] = append(d.pathHash[h], id)
	d.phMu.Unlock()
}

// unindexTrigramsAndHash is the inverse of indexTrigramsAndHash, used when
// a slot's path changes in place (overwriteSlot) and when a slot is
// tombstoned.
func (d *DeltaIndex) unindexTrigramsAndHash(id model.DocID, path string) {
	for _, t := range pathstore.FullPathTrigrams(path) {
		d.trigrams.Remove(t, uint32(id))
	}
	h := pathHashOf(path)
	d.phMu.Lock()
	list := d.pathHash[h]
	for i, v := range list {
		if v == id {
			d.pathHash[h] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(d.pathHash[h]) == 0 {
		delete(d.pathHash, h)
	}
	d.phMu.Unlock()
}

// upsertLocked inserts path as a brand new document, refreshes the
// size/mtime of the live slot already holding key (keeping that slot's
// first-seen path, so a hard link or a rediscovered inode does not move
// it), or overwrites the live slot for the same path in place. Caller
// holds writeMu. Returns the DocID.
func (d *DeltaIndex) upsertLocked(path string, key model.FileKey, hasKey bool, size uint64, mtimeNS int64) model.DocID {
	if hasKey {
		if id, ok := d.lookupByFileKey(key); ok {
			d.metaMu.Lock()
			d.metas[id].Size = size
			d.metas[id].MtimeNS = mtimeNS
			d.metaMu.Unlock()
			d.markDirty()
			return id
		}
	}
	if id, ok := d.lookupByPath(path); ok {
		d.overwriteSlot(id, path, key, size, mtimeNS)
		return id
	}

	root, rel := d.splitRoot(path)
	rootID := d.roots.IDFor(root)
	off, n := d.arena.Append([]byte(rel))
	meta := model.CompactMeta{
		Key:     key,
		RootID:  rootID,
		PathOff: off,
		PathLen: n,
		Size:    size,
		MtimeNS: mtimeNS,
	}
	id := d.allocSlot(meta)
	d.indexTrigramsAndHash(id, path)
	if hasKey {
		d.fkMu.Lock()
		d.fileKeys[key] = id
		d.fkMu.Unlock()
	}
	d.markDirty()
	return id
}

// overwriteSlot refreshes an existing live document's metadata without
// changing its DocID, preserving any trigram/path-hash/filekey entries
// that are still correct and fixing up the ones that aren't (e.g. the
// FileKey changes when a path is replaced by an unrelated file).
func (d *DeltaIndex) overwriteSlot(id model.DocID, path string, key model.FileKey, size uint64, mtimeNS int64) {
	d.metaMu.Lock()
	old := d.metas[id]
	oldPath := d.pathOf(old)
	d.metaMu.Unlock()

	if oldPath != path {
		d.unindexTrigramsAndHash(id, oldPath)
	}

	root, rel := d.splitRoot(path)
	rootID := d.roots.IDFor(root)
	off, n := d.arena.Append([]byte(rel))

	d.metaMu.Lock()
	d.metas[id] = model.CompactMeta{
		Key:     key,
		RootID:  rootID,
		PathOff: off,
		PathLen: n,
		Size:    size,
		MtimeNS: mtimeNS,
	}
	d.metaMu.Unlock()

	if oldPath != path {
		d.indexTrigramsAndHash(id, path)
	}

	if old.Key != key {
		d.fkMu.Lock()
		if cur, ok := d.fileKeys[old.Key]; ok && cur == id {
			delete(d.fileKeys, old.Key)
		}
		d.fileKeys[key] = id
		d.fkMu.Unlock()
	}

	// Resurrect the slot if a tombstoned id is being reused.
	d.tombMu.Lock()
	if d.tombstones.Contains(uint32(id)) {
		d.tombstones.Remove(uint32(id))
	}
	d.tombMu.Unlock()

	d.markDirty()
}

// splitRoot picks the longest registered root that prefixes path, or
// falls back to "/" with the remainder as rel. It never registers a new
// root; the table is seeded from config.Config.Roots by startup.Load.
func (d *DeltaIndex) splitRoot(path string) (root, rel string) {
	best := "/"
	for _, r := range d.roots.All() {
		if r == "/" {
			continue
		}
		if hasRootPrefix(path, r) && len(r) > len(best) {
			best = r
		}
	}
	if best == "/" {
		return "/", trimLeadingSlash(path)
	}
	rel = path[len(best):]
	return best, trimLeadingSlash(rel)
}

func hasRootPrefix(path, root string) bool {
	if len(path) < len(root) {
		return false
	}
	if path[:len(root)] != root {
		return false
	}
	return len(path) == len(root) || path[len(root)] == '/'
}

func trimLeadingSlash(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

// Upsert inserts or refreshes a document for path, stat'd eagerly by the
// caller (used by startup's initial crawl, where stat results are already
// in hand from the walk itself).
func (d *DeltaIndex) Upsert(path string, key model.FileKey, size uint64, mtimeNS int64) model.DocID {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.upsertLocked(path, key, true, size, mtimeNS)
}

// markDeletedLocked tombstones the live slot for path/key if one exists.
// Caller holds writeMu.
func (d *DeltaIndex) markDeletedLocked(path string, key model.FileKey, hasKey bool) {
	var id model.DocID
	var ok bool
	if hasKey {
		id, ok = d.lookupByFileKey(key)
	}
	if !ok {
		id, ok = d.lookupByPath(path)
	}
	if !ok {
		return
	}

	d.metaMu.RLock()
	m := d.metas[id]
	fullPath := d.pathOf(m)
	d.metaMu.RUnlock()

	d.unindexTrigramsAndHash(id, fullPath)

	d.fkMu.Lock()
	if cur, ok := d.fileKeys[m.Key]; ok && cur == id {
		delete(d.fileKeys, m.Key)
	}
	d.fkMu.Unlock()

	d.tombMu.Lock()
	d.tombstones.Add(uint32(id))
	d.tombMu.Unlock()

	d.markDirty()
}

// MarkDeleted tombstones path (or, if key is known, whichever live path
// currently holds that FileKey).
func (d *DeltaIndex) MarkDeleted(path string, key model.FileKey, hasKey bool) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.markDeletedLocked(path, key, hasKey)
}

// ApplyEvents folds a batch of pipeline events into the index in order,
// implementing spec 4.1's per-kind rules:
//
//   - Create/Modify: stat the best-known path; on success, upsert; on
//     failure (the file is already gone again), tombstone any existing
//     slot instead, since a stat failure after a Create/Modify means the
//     path no longer exists.
//   - Delete: tombstone by FileKey if known, else by path.
//   - Rename: stat the "to" path; if it succeeds, overwrite the slot
//     identified by the "from" identifier in place so the DocID (and
//     thus any external reference such as an L1 cache entry) survives
//     the rename; if the "to" stat fails, or the "from" side cannot be
//     resolved, the rename degrades to a delete-from plus a best-effort
//     create-to, matching what an identifier-less backend would have
//     reported as two separate events anyway.
func (d *DeltaIndex) ApplyEvents(batch []model.Event) {
	for _, ev := range batch {
		d.applyOne(ev)
	}
}

func (d *DeltaIndex) applyOne(ev model.Event) {
	switch ev.Kind {
	case model.EventCreate, model.EventModify:
		res, ok := d.stat(ev.Path())
		d.writeMu.Lock()
		if ok {
			d.upsertLocked(ev.Path(), res.Key, true, res.Size, res.MtimeNS)
		} else {
			d.markDeletedLocked(ev.Path(), ev.Ident.Key, ev.Ident.HasKey)
		}
		d.writeMu.Unlock()

	case model.EventDelete:
		d.writeMu.Lock()
		d.markDeletedLocked(ev.Path(), ev.Ident.Key, ev.Ident.HasKey)
		d.writeMu.Unlock()

	case model.EventRename:
		d.applyRename(ev)
	}
}

func (d *DeltaIndex) applyRename(ev model.Event) {
	fromPath := ev.FromPath()
	var fromKey model.FileKey
	var haveFromKey bool
	if ev.From != nil {
		fromKey = ev.From.Key
		haveFromKey = ev.From.HasKey
	}

	res, statOK := d.stat(ev.Path())

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var id model.DocID
	var found bool
	if haveFromKey {
		id, found = d.lookupByFileKey(fromKey)
	}
	if !found && fromPath != "" {
		id, found = d.lookupByPath(fromPath)
	}

	if !statOK {
		// The destination is already gone again; treat the source side
		// as a plain delete if we managed to resolve it.
		if found {
			d.metaMu.RLock()
			m := d.metas[id]
			full := d.pathOf(m)
			d.metaMu.RUnlock()
			d.unindexTrigramsAndHash(id, full)
			d.fkMu.Lock()
			if cur, ok := d.fileKeys[m.Key]; ok && cur == id {
				delete(d.fileKeys, m.Key)
			}
			d.fkMu.Unlock()
			d.tombMu.Lock()
			d.tombstones.Add(uint32(id))
			d.tombMu.Unlock()
			d.markDirty()
		}
		return
	}

	if found {
		// Preserve the DocID across the rename.
		d.overwriteSlot(id, ev.Path(), res.Key, res.Size, res.MtimeNS)
		return
	}

	// Degrade: the "from" side is unresolvable (e.g. it was never
	// indexed, or its identity was lost across a restart). Best effort:
	// just create the "to" side as a fresh document.
	d.upsertLocked(ev.Path(), res.Key, true, res.Size, res.MtimeNS)
}
