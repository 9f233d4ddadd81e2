package pathstore

import "testing"

func TestArenaAppendAndSlice(t *testing.T) {
	a := NewArena()
	off1, len1 := a.Append([]byte("hello"))
	off2, len2 := a.Append([]byte("world!"))
	if string(a.Slice(off1, len1)) != "hello" {
		t.Fatalf("slice 1 = %q", a.Slice(off1, len1))
	}
	if string(a.Slice(off2, len2)) != "world!" {
		t.Fatalf("slice 2 = %q", a.Slice(off2, len2))
	}
	if a.Len() != 11 {
		t.Fatalf("len = %d, want 11", a.Len())
	}
}

func TestArenaEmptyAppendIsSentinel(t *testing.T) {
	a := NewArena()
	off, n := a.Append(nil)
	if off != 0 || n != 0 {
		t.Fatalf("Append(nil) = %d, %d, want 0, 0", off, n)
	}
}

func TestArenaReset(t *testing.T) {
	a := NewArena()
	a.Append([]byte("abc"))
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("len after reset = %d, want 0", a.Len())
	}
}

func TestRootsFallback(t *testing.T) {
	r := NewRoots()
	if r.Get(0) != "/" {
		t.Fatalf("root 0 = %q, want /", r.Get(0))
	}
}

func TestRootsIDForDedupesAndSorts(t *testing.T) {
	r := NewRoots()
	idA := r.IDFor("/home/alice")
	idB := r.IDFor("/home/bob")
	idA2 := r.IDFor("/home/alice")
	if idA != idA2 {
		t.Fatalf("IDFor not idempotent: %d != %d", idA, idA2)
	}
	if idA == idB {
		t.Fatalf("distinct roots got the same id")
	}
	all := r.All()
	for i := 1; i < len(all)-1; i++ {
		if all[i] > all[i+1] {
			t.Fatalf("roots not sorted after position 0: %v", all)
		}
	}
}

func TestRootsHashStableAcrossEquivalentBuilds(t *testing.T) {
	r1 := NewRoots()
	r1.IDFor("/a")
	r1.IDFor("/b")

	r2 := NewRoots()
	r2.IDFor("/b")
	r2.IDFor("/a")

	if r1.Hash() != r2.Hash() {
		t.Fatalf("roots hash depends on insertion order: %x != %x", r1.Hash(), r2.Hash())
	}

	r3 := NewRoots()
	r3.IDFor("/a")
	r3.IDFor("/c")
	if r1.Hash() == r3.Hash() {
		t.Fatalf("different roots produced the same hash")
	}
}

func TestFullPathTrigramsCrossesSeparators(t *testing.T) {
	tris := FullPathTrigrams("ab/cd")
	want := []uint32{
		packTrigram('a', 'b', '/'),
		packTrigram('b', '/', 'c'),
		packTrigram('/', 'c', 'd'),
	}
	if len(tris) != len(want) {
		t.Fatalf("got %d trigrams, want %d: %v", len(tris), len(want), tris)
	}
	for i, w := range want {
		if tris[i] != w {
			t.Errorf("trigram %d = %x, want %x", i, tris[i], w)
		}
	}
}

func TestFullPathTrigramsLowercases(t *testing.T) {
	a := FullPathTrigrams("ABC")
	b := FullPathTrigrams("abc")
	if len(a) != 1 || len(b) != 1 || a[0] != b[0] {
		t.Fatalf("trigram extraction is not case-insensitive: %v vs %v", a, b)
	}
}

func TestFullPathTrigramsShortString(t *testing.T) {
	if got := FullPathTrigrams("ab"); got != nil {
		t.Fatalf("2-byte path produced trigrams: %v", got)
	}
}

func TestPostingsAddRemove(t *testing.T) {
	p := NewPostings()
	tri := packTrigram('f', 'o', 'o')
	p.Add(tri, 1)
	p.Add(tri, 2)
	if c := p.Cardinality(tri); c != 2 {
		t.Fatalf("cardinality = %d, want 2", c)
	}
	p.Remove(tri, 1)
	bm := p.Get(tri)
	if bm.GetCardinality() != 1 || !bm.Contains(2) {
		t.Fatalf("unexpected postings after remove: %v", bm.ToArray())
	}
	p.Remove(tri, 2)
	if p.Get(tri) != nil {
		t.Fatalf("posting for %x should have been dropped once empty", tri)
	}
}

func TestPostingsTrigramsSorted(t *testing.T) {
	p := NewPostings()
	p.Add(packTrigram('z', 'z', 'z'), 1)
	p.Add(packTrigram('a', 'a', 'a'), 1)
	p.Add(packTrigram('m', 'm', 'm'), 1)
	tris := p.Trigrams()
	for i := 1; i < len(tris); i++ {
		if tris[i-1] >= tris[i] {
			t.Fatalf("trigrams not strictly sorted: %v", tris)
		}
	}
}
