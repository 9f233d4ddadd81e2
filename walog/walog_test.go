package walog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/relnix/pathindex/model"
)

func sampleEvent(path string) model.Event {
	return model.Event{
		Kind: model.EventCreate,
		Time: time.Unix(0, 1000),
		Ident: model.FileIdentifier{
			Path:   path,
			Key:    model.FileKey{Device: 1, Inode: 42},
			HasKey: true,
		},
		Size:      123,
		MtimeNS:   456,
		StatValid: true,
	}
}

func TestAppendAndReplaySinceLastSealNoSeal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, p := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		if _, err := w.Append(sampleEvent(p)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	events, err := ReplaySinceLastSeal(path)
	if err != nil {
		t.Fatalf("ReplaySinceLastSeal: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Path() != "/a.txt" || events[2].Path() != "/c.txt" {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func TestSealBoundsReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Append(sampleEvent("/before1.txt"))
	w.Append(sampleEvent("/before2.txt"))
	if _, err := w.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	w.Append(sampleEvent("/after.txt"))
	w.Close()

	events, err := ReplaySinceLastSeal(path)
	if err != nil {
		t.Fatalf("ReplaySinceLastSeal: %v", err)
	}
	if len(events) != 1 || events[0].Path() != "/after.txt" {
		t.Fatalf("replay after seal = %+v, want only /after.txt", events)
	}
}

func TestRenameEventRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ev := model.Event{
		Kind:  model.EventRename,
		Time:  time.Unix(0, 2000),
		Ident: model.FileIdentifier{Path: "/new.txt", Key: model.FileKey{Device: 1, Inode: 9}, HasKey: true},
		From:  &model.FileIdentifier{Path: "/old.txt", Key: model.FileKey{Device: 1, Inode: 9}, HasKey: true},
	}
	if _, err := w.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w.Close()

	events, err := ReplaySinceLastSeal(path)
	if err != nil {
		t.Fatalf("ReplaySinceLastSeal: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.Kind != model.EventRename || got.Path() != "/new.txt" || got.FromPath() != "/old.txt" {
		t.Fatalf("rename did not round-trip: %+v", got)
	}
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	events, err := ReplaySinceLastSeal(filepath.Join(dir, "nope.log"))
	if err != nil {
		t.Fatalf("ReplaySinceLastSeal: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for a missing log, got %d", len(events))
	}
}

func TestCleanupSealedUpToTrimsHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.log")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.Append(sampleEvent("/old1.txt"))
	w.Seal()
	w.Append(sampleEvent("/new1.txt"))
	w.Close()

	if err := CleanupSealedUpTo(path); err != nil {
		t.Fatalf("CleanupSealedUpTo: %v", err)
	}

	events, err := ReplaySinceLastSeal(path)
	if err != nil {
		t.Fatalf("ReplaySinceLastSeal after cleanup: %v", err)
	}
	if len(events) != 1 || events[0].Path() != "/new1.txt" {
		t.Fatalf("unexpected events after cleanup: %+v", events)
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen after cleanup: %v", err)
	}
	if _, err := w2.Append(sampleEvent("/appended-after-cleanup.txt")); err != nil {
		t.Fatalf("append after cleanup: %v", err)
	}
	w2.Close()
	events2, err := ReplaySinceLastSeal(path)
	if err != nil {
		t.Fatalf("ReplaySinceLastSeal final: %v", err)
	}
	if len(events2) != 2 {
		t.Fatalf("got %d events after reopen+append, want 2", len(events2))
	}
}
