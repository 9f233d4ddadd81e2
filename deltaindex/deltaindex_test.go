package deltaindex

import (
	"testing"

	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
	"github.com/relnix/pathindex/query"
)

func fakeStatter(table map[string]model.StatResult) model.Statter {
	return func(path string) (model.StatResult, bool) {
		r, ok := table[path]
		return r, ok
	}
}

func newTestIndex(table map[string]model.StatResult) *DeltaIndex {
	return New(pathstore.NewRoots(), WithStatter(fakeStatter(table)))
}

func TestUpsertThenQueryBySubstring(t *testing.T) {
	d := newTestIndex(nil)
	d.Upsert("/home/alice/notes.txt", model.FileKey{Device: 1, Inode: 10}, 100, 1000)
	d.Upsert("/home/alice/report.pdf", model.FileKey{Device: 1, Inode: 11}, 200, 2000)

	res := d.Query(query.Query{Matcher: query.NewSubstring("notes")})
	if len(res) != 1 || res[0].Path != "/home/alice/notes.txt" {
		t.Fatalf("query returned %+v", res)
	}
}

func TestUpsertSamePathOverwritesInPlace(t *testing.T) {
	d := newTestIndex(nil)
	id1 := d.Upsert("/a/b.txt", model.FileKey{Device: 1, Inode: 1}, 10, 100)
	id2 := d.Upsert("/a/b.txt", model.FileKey{Device: 1, Inode: 1}, 20, 200)
	if id1 != id2 {
		t.Fatalf("upserting the same path twice allocated a new DocID: %d != %d", id1, id2)
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 slot, got %d", d.Len())
	}
}

func TestMarkDeletedRemovesFromQuery(t *testing.T) {
	d := newTestIndex(nil)
	key := model.FileKey{Device: 1, Inode: 5}
	d.Upsert("/a/gone.txt", key, 1, 1)

	d.MarkDeleted("/a/gone.txt", key, true)

	res := d.Query(query.Query{Matcher: query.NewSubstring("gone")})
	if len(res) != 0 {
		t.Fatalf("tombstoned document still matched: %+v", res)
	}
	if d.LiveCount() != 0 {
		t.Fatalf("live count = %d, want 0", d.LiveCount())
	}
	if d.Len() != 1 {
		t.Fatalf("slot should remain allocated (tombstoned, not freed): len = %d", d.Len())
	}
}

func TestApplyEventsCreateModifyDelete(t *testing.T) {
	table := map[string]model.StatResult{
		"/a/f.txt": {Key: model.FileKey{Device: 1, Inode: 1}, Size: 10, MtimeNS: 100},
	}
	d := newTestIndex(table)

	d.ApplyEvents([]model.Event{
		{Kind: model.EventCreate, Ident: model.FileIdentifier{Path: "/a/f.txt"}},
	})
	if d.LiveCount() != 1 {
		t.Fatalf("after create, live count = %d, want 1", d.LiveCount())
	}

	table["/a/f.txt"] = model.StatResult{Key: model.FileKey{Device: 1, Inode: 1}, Size: 20, MtimeNS: 200}
	d.ApplyEvents([]model.Event{
		{Kind: model.EventModify, Ident: model.FileIdentifier{Path: "/a/f.txt"}},
	})
	res := d.Query(query.Query{Matcher: query.NewSubstring("f.txt")})
	if len(res) != 1 || res[0].Size != 20 {
		t.Fatalf("modify did not update size: %+v", res)
	}

	delete(table, "/a/f.txt")
	d.ApplyEvents([]model.Event{
		{Kind: model.EventDelete, Ident: model.FileIdentifier{Path: "/a/f.txt", Key: model.FileKey{Device: 1, Inode: 1}, HasKey: true}},
	})
	if d.LiveCount() != 0 {
		t.Fatalf("after delete, live count = %d, want 0", d.LiveCount())
	}
}

func TestApplyEventsRenamePreservesDocID(t *testing.T) {
	key := model.FileKey{Device: 1, Inode: 7}
	table := map[string]model.StatResult{
		"/a/old.txt": {Key: key, Size: 10, MtimeNS: 100},
	}
	d := newTestIndex(table)
	d.ApplyEvents([]model.Event{
		{Kind: model.EventCreate, Ident: model.FileIdentifier{Path: "/a/old.txt"}},
	})
	oldRes := d.Query(query.Query{Matcher: query.NewSubstring("old.txt")})
	if len(oldRes) != 1 {
		t.Fatalf("setup: expected 1 result, got %d", len(oldRes))
	}
	wantKey := oldRes[0].Key

	delete(table, "/a/old.txt")
	table["/a/new.txt"] = model.StatResult{Key: key, Size: 10, MtimeNS: 100}

	d.ApplyEvents([]model.Event{
		{
			Kind:  model.EventRename,
			Ident: model.FileIdentifier{Path: "/a/new.txt"},
			From:  &model.FileIdentifier{Path: "/a/old.txt", Key: key, HasKey: true},
		},
	})

	if len(d.Query(query.Query{Matcher: query.NewSubstring("old.txt")})) != 0 {
		t.Fatalf("old path still matches after rename")
	}
	newRes := d.Query(query.Query{Matcher: query.NewSubstring("new.txt")})
	if len(newRes) != 1 {
		t.Fatalf("new path does not match after rename: %+v", newRes)
	}
	if newRes[0].Key != wantKey {
		t.Fatalf("FileKey not preserved across rename: got %+v, want %+v", newRes[0].Key, wantKey)
	}
	if d.Len() != 1 {
		t.Fatalf("rename should reuse the existing slot, not allocate a new one: len = %d", d.Len())
	}
}

func TestApplyEventsRenameWithUnresolvableFromDegradesToCreate(t *testing.T) {
	key := model.FileKey{Device: 1, Inode: 9}
	table := map[string]model.StatResult{
		"/a/to.txt": {Key: key, Size: 5, MtimeNS: 50},
	}
	d := newTestIndex(table)

	d.ApplyEvents([]model.Event{
		{
			Kind:  model.EventRename,
			Ident: model.FileIdentifier{Path: "/a/to.txt"},
			From:  &model.FileIdentifier{Path: "/a/unknown-from.txt"},
		},
	})

	res := d.Query(query.Query{Matcher: query.NewSubstring("to.txt")})
	if len(res) != 1 {
		t.Fatalf("degrade-to-create did not index the destination: %+v", res)
	}
}

func TestForEachLiveMetaSkipsTombstones(t *testing.T) {
	d := newTestIndex(nil)
	keyA := model.FileKey{Device: 1, Inode: 1}
	keyB := model.FileKey{Device: 1, Inode: 2}
	d.Upsert("/a/one.txt", keyA, 1, 1)
	d.Upsert("/a/two.txt", keyB, 2, 2)
	d.MarkDeleted("/a/one.txt", keyA, true)

	var seen []string
	d.ForEachLiveMeta(func(id model.DocID, m model.CompactMeta, path string) {
		seen = append(seen, path)
	})
	if len(seen) != 1 || seen[0] != "/a/two.txt" {
		t.Fatalf("ForEachLiveMeta visited %v, want only /a/two.txt", seen)
	}
}

func TestQueryGlobFullPath(t *testing.T) {
	d := newTestIndex(nil)
	d.Upsert("/a/b/main.go", model.FileKey{Device: 1, Inode: 1}, 1, 1)
	d.Upsert("/a/b/main_test.go", model.FileKey{Device: 1, Inode: 2}, 1, 1)

	m, err := query.NewGlob("**/main.go", true)
	if err != nil {
		t.Fatalf("compile glob: %v", err)
	}
	res := d.Query(query.Query{Matcher: m})
	if len(res) != 1 || res[0].Path != "/a/b/main.go" {
		t.Fatalf("glob query returned %+v", res)
	}
}

func TestDirtyFlag(t *testing.T) {
	d := newTestIndex(nil)
	if d.Dirty() {
		t.Fatalf("fresh index should not be dirty")
	}
	d.Upsert("/a/x.txt", model.FileKey{Device: 1, Inode: 1}, 1, 1)
	if !d.Dirty() {
		t.Fatalf("upsert should mark dirty")
	}
	d.ClearDirty()
	if d.Dirty() {
		t.Fatalf("ClearDirty did not clear")
	}
}
