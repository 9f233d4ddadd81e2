package overlay

import "testing"

func TestApplyDeleteThenQuery(t *testing.T) {
	o := New()
	o.ApplyDelete("/a/b.txt")
	if !o.IsDeleted("/a/b.txt") {
		t.Fatalf("expected /a/b.txt to be deleted")
	}
	deleted, upserted := o.Counts()
	if deleted != 1 || upserted != 0 {
		t.Fatalf("counts = %d, %d, want 1, 0", deleted, upserted)
	}
}

func TestOverlayCancelDeleteThenCreate(t *testing.T) {
	o := New()
	o.ApplyDelete("/root/x.txt")
	o.ApplyCreate("/root/x.txt")

	deleted, upserted := o.Counts()
	if deleted != 0 || upserted != 1 {
		t.Fatalf("counts after delete+create = %d, %d, want 0, 1", deleted, upserted)
	}
	if o.IsDeleted("/root/x.txt") {
		t.Fatalf("/root/x.txt should no longer be shadowed as deleted")
	}
}

func TestOverlayCreateThenDeleteCancelsUpsert(t *testing.T) {
	o := New()
	o.ApplyCreate("/a.txt")
	o.ApplyDelete("/a.txt")

	deleted, upserted := o.Counts()
	if deleted != 1 || upserted != 0 {
		t.Fatalf("counts = %d, %d, want 1, 0", deleted, upserted)
	}
}

func TestApplyRenameDecomposes(t *testing.T) {
	o := New()
	o.ApplyRename("/old.txt", "/new.txt")

	if !o.IsDeleted("/old.txt") {
		t.Fatalf("rename should shadow the old path")
	}
	if o.IsDeleted("/new.txt") {
		t.Fatalf("rename should not shadow the new path")
	}
	deleted, upserted := o.Counts()
	if deleted != 1 || upserted != 1 {
		t.Fatalf("counts = %d, %d, want 1, 1", deleted, upserted)
	}
}

func TestDrainKeepsOnlyDeletedPaths(t *testing.T) {
	o := New()
	o.ApplyDelete("/a.txt")
	o.ApplyCreate("/b.txt")

	deleted := o.Drain()
	if len(deleted) != 1 || deleted[0] != "/a.txt" {
		t.Fatalf("Drain returned %v, want [/a.txt]", deleted)
	}
	d, u := o.Counts()
	if d != 1 || u != 0 {
		t.Fatalf("after drain counts = %d, %d, want 1, 0", d, u)
	}
	if !o.IsDeleted("/a.txt") {
		t.Fatalf("/a.txt should still be marked deleted after drain")
	}
}

func TestAutoFlushThresholdTriggersRequest(t *testing.T) {
	o := New(WithAutoFlushThresholds(2, 1<<30))
	if o.FlushRequested() {
		t.Fatalf("fresh overlay should not request a flush")
	}
	o.ApplyDelete("/a.txt")
	o.ApplyDelete("/b.txt")
	if !o.ConsumeFlushRequest() {
		t.Fatalf("expected flush request after crossing path threshold")
	}
	if o.ConsumeFlushRequest() {
		t.Fatalf("ConsumeFlushRequest should clear the flag")
	}
}
