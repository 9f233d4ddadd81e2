package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"

	"github.com/relnix/pathindex/model"
)

func buildTestExport() Export {
	arena := []byte("alpha.txtbeta.txt")
	metas := []model.CompactMeta{
		{Key: model.FileKey{Device: 1, Inode: 1}, RootID: 0, PathOff: 0, PathLen: 9, Size: 10, MtimeNS: 100},
		{Key: model.FileKey{Device: 1, Inode: 2}, RootID: 0, PathOff: 9, PathLen: 8, Size: 20, MtimeNS: 200},
	}
	postings := map[uint32]*roaring.Bitmap{
		packTestTrigram('a', 'l', 'p'): roaring.BitmapOf(0),
		packTestTrigram('b', 'e', 't'): roaring.BitmapOf(1),
		packTestTrigram('.', 't', 'x'): roaring.BitmapOf(0, 1),
	}
	return Export{
		Roots:            []string{"/"},
		PathArena:        arena,
		Metas:            metas,
		Postings:         postings,
		Tombstones:       roaring.New(),
		FullPathTrigrams: true,
	}
}

func packTestTrigram(a, b, c byte) uint32 {
	return uint32(a)<<16 | uint32(b)<<8 | uint32(c)
}

func TestWriteThenOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0001.seg")

	exp := buildTestExport()
	if err := Write(path, exp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	if !seg.HasFullPathTrigrams() {
		t.Fatalf("expected full path trigrams flag set")
	}
	if seg.DocCount() != 2 {
		t.Fatalf("DocCount = %d, want 2", seg.DocCount())
	}

	m0, ok := seg.Meta(0)
	if !ok {
		t.Fatalf("Meta(0) missing")
	}
	if seg.PathOf(m0) != "/alpha.txt" {
		t.Fatalf("PathOf(m0) = %q", seg.PathOf(m0))
	}
	if m0.Size != 10 || m0.MtimeNS != 100 {
		t.Fatalf("unexpected meta: %+v", m0)
	}

	m1, _ := seg.Meta(1)
	if seg.PathOf(m1) != "/beta.txt" {
		t.Fatalf("PathOf(m1) = %q", seg.PathOf(m1))
	}

	bm, err := seg.Posting(packTestTrigram('.', 't', 'x'))
	if err != nil {
		t.Fatalf("Posting: %v", err)
	}
	if bm.GetCardinality() != 2 {
		t.Fatalf("posting cardinality = %d, want 2", bm.GetCardinality())
	}

	bm2, err := seg.Posting(packTestTrigram('z', 'z', 'z'))
	if err != nil {
		t.Fatalf("Posting for absent trigram returned error: %v", err)
	}
	if bm2 != nil {
		t.Fatalf("expected nil posting for absent trigram")
	}

	id, ok := seg.LookupDocIDByKey(model.FileKey{Device: 1, Inode: 2})
	if !ok || id != 1 {
		t.Fatalf("LookupDocIDByKey = %d, %v, want 1, true", id, ok)
	}
}

func TestForEachLiveMetaSkipsTombstoned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0001.seg")

	exp := buildTestExport()
	exp.Tombstones = roaring.BitmapOf(0)
	if err := Write(path, exp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	var seen []string
	seg.ForEachLiveMeta(func(id model.DocID, m model.CompactMeta, path string) {
		seen = append(seen, path)
	})
	if len(seen) != 1 || seen[0] != "/beta.txt" {
		t.Fatalf("ForEachLiveMeta = %v, want only /beta.txt", seen)
	}
	if !seg.IsTombstoned(0) {
		t.Fatalf("doc 0 should be tombstoned")
	}
}

func TestDeletedPathsSidecarRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0001.seg")

	exp := buildTestExport()
	exp.DeletedPaths = []string{"/old/gone.txt", "/old/also-gone.txt"}
	if err := Write(path, exp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	got := seg.DeletedPaths()
	if len(got) != 2 || got[0] != "/old/gone.txt" || got[1] != "/old/also-gone.txt" {
		t.Fatalf("DeletedPaths() = %v, want the two deleted entries in order", got)
	}
}

func TestDeletedPathsSidecarAbsentWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0001.seg")

	exp := buildTestExport()
	if err := Write(path, exp); err != nil {
		t.Fatalf("Write: %v", err)
	}

	seg, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	if got := seg.DeletedPaths(); len(got) != 0 {
		t.Fatalf("DeletedPaths() = %v, want empty for a segment with no pending sidecar entries", got)
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0001.seg")
	if err := Write(path, buildTestExport()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Truncate to corrupt the manifest/body.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if err := os.WriteFile(path, data[:len(data)/2], 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Open(path); err == nil {
		t.Fatalf("expected Open to reject a truncated segment")
	}
}
