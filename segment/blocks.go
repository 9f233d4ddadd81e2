package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/relnix/pathindex/model"
)

// encodeRoots serializes the root path table as a length-prefixed list of
// length-prefixed strings, in the order Roots.All() returns (index 0 is
// always "/").
func encodeRoots(roots []string) []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(roots)))
	buf.Write(tmp[:])
	for _, r := range roots {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(r)))
		buf.Write(tmp[:])
		buf.WriteString(r)
	}
	return buf.Bytes()
}

func decodeRoots(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("segment: roots block too short")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("segment: roots block truncated")
		}
		l := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+l > len(data) {
			return nil, fmt.Errorf("segment: roots block truncated")
		}
		out = append(out, string(data[off:off+l]))
		off += l
	}
	return out, nil
}

// encodeDeletedPaths serializes the per-segment deleted-paths sidecar as a
// length-prefixed list of u16-length-prefixed strings (spec 4.3's literal
// sidecar format), distinct from encodeRoots's u32 string-length prefix
// since a path is never going to approach 64KiB.
func encodeDeletedPaths(paths []string) []byte {
	var buf bytes.Buffer
	var tmp4 [4]byte
	var tmp2 [2]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(paths)))
	buf.Write(tmp4[:])
	for _, p := range paths {
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(p)))
		buf.Write(tmp2[:])
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func decodeDeletedPaths(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("segment: deleted_paths block too short")
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	off := 4
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("segment: deleted_paths block truncated")
		}
		l := int(binary.LittleEndian.Uint16(data[off : off+2]))
		off += 2
		if off+l > len(data) {
			return nil, fmt.Errorf("segment: deleted_paths block truncated")
		}
		out = append(out, string(data[off:off+l]))
		off += l
	}
	return out, nil
}

// metaRecordSize is CompactMeta's fixed on-disk size: Device(8) + Inode(8)
// + RootID(2) + PathOff(4) + PathLen(2) + Size(8) + MtimeNS(8) = 40 bytes,
// packed with no padding, so record i starts at byte i*40.
const metaRecordSize = 40

func encodeMetas(metas []model.CompactMeta) []byte {
	buf := make([]byte, metaRecordSize*len(metas))
	for i, m := range metas {
		b := buf[i*metaRecordSize:]
		binary.LittleEndian.PutUint64(b[0:8], m.Key.Device)
		binary.LittleEndian.PutUint64(b[8:16], m.Key.Inode)
		binary.LittleEndian.PutUint16(b[16:18], m.RootID)
		binary.LittleEndian.PutUint32(b[18:22], m.PathOff)
		binary.LittleEndian.PutUint16(b[22:24], m.PathLen)
		binary.LittleEndian.PutUint64(b[24:32], m.Size)
		binary.LittleEndian.PutUint64(b[32:40], uint64(m.MtimeNS))
	}
	return buf
}

func decodeMetaAt(data []byte, idx int) (model.CompactMeta, bool) {
	off := idx * metaRecordSize
	if off < 0 || off+metaRecordSize > len(data) {
		return model.CompactMeta{}, false
	}
	b := data[off:]
	return model.CompactMeta{
		Key: model.FileKey{
			Device: binary.LittleEndian.Uint64(b[0:8]),
			Inode:  binary.LittleEndian.Uint64(b[8:16]),
		},
		RootID:  binary.LittleEndian.Uint16(b[16:18]),
		PathOff: binary.LittleEndian.Uint32(b[18:22]),
		PathLen: binary.LittleEndian.Uint16(b[22:24]),
		Size:    binary.LittleEndian.Uint64(b[24:32]),
		MtimeNS: int64(binary.LittleEndian.Uint64(b[32:40])),
	}, true
}

func metaCount(data []byte) int {
	return len(data) / metaRecordSize
}

// trigramEntry locates one trigram's serialized posting bitmap inside the
// postings blob.
type trigramEntry struct {
	Trigram uint32
	Offset  uint32
	Length  uint32
}

const trigramEntrySize = 12

// encodeTrigramTableAndPostings takes trigram->bitmap in any order and
// produces the sorted trigram table plus the concatenated postings blob
// the table's offsets point into, mirroring the teacher's posting-list
// index (read.go: "index entries ... binary search") but backed by
// roaring's own serialization instead of a hand-rolled gamma code.
func encodeTrigramTableAndPostings(postings map[uint32]*roaring.Bitmap) (table []byte, blob []byte) {
	trigrams := make([]uint32, 0, len(postings))
	for t := range postings {
		trigrams = append(trigrams, t)
	}
	sort.Slice(trigrams, func(i, j int) bool { return trigrams[i] < trigrams[j] })

	var blobBuf bytes.Buffer
	entries := make([]trigramEntry, 0, len(trigrams))
	for _, t := range trigrams {
		bm := postings[t]
		start := blobBuf.Len()
		bm.RunOptimize()
		if _, err := bm.WriteTo(&blobBuf); err != nil {
			// roaring.Bitmap.WriteTo against a bytes.Buffer cannot fail.
			panic(fmt.Sprintf("segment: encoding posting for trigram %d: %v", t, err))
		}
		entries = append(entries, trigramEntry{
			Trigram: t,
			Offset:  uint32(start),
			Length:  uint32(blobBuf.Len() - start),
		})
	}

	tableBuf := make([]byte, trigramEntrySize*len(entries))
	for i, e := range entries {
		b := tableBuf[i*trigramEntrySize:]
		binary.LittleEndian.PutUint32(b[0:4], e.Trigram)
		binary.LittleEndian.PutUint32(b[4:8], e.Offset)
		binary.LittleEndian.PutUint32(b[8:12], e.Length)
	}
	return tableBuf, blobBuf.Bytes()
}

func trigramTableLen(table []byte) int {
	return len(table) / trigramEntrySize
}

func trigramTableEntryAt(table []byte, i int) trigramEntry {
	b := table[i*trigramEntrySize:]
	return trigramEntry{
		Trigram: binary.LittleEndian.Uint32(b[0:4]),
		Offset:  binary.LittleEndian.Uint32(b[4:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
	}
}

// findTrigram binary-searches the sorted trigram table, matching the
// teacher's findList/findListV2 (index/read.go).
func findTrigram(table []byte, trigram uint32) (trigramEntry, bool) {
	n := trigramTableLen(table)
	i := sort.Search(n, func(i int) bool {
		return trigramTableEntryAt(table, i).Trigram >= trigram
	})
	if i >= n {
		return trigramEntry{}, false
	}
	e := trigramTableEntryAt(table, i)
	if e.Trigram != trigram {
		return trigramEntry{}, false
	}
	return e, true
}

func encodeBitmap(bm *roaring.Bitmap) []byte {
	if bm == nil {
		bm = roaring.New()
	}
	bm.RunOptimize()
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		panic(fmt.Sprintf("segment: encoding bitmap: %v", err))
	}
	return buf.Bytes()
}

func decodeBitmap(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(data) == 0 {
		return bm, nil
	}
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("segment: decoding bitmap: %w", err)
	}
	return bm, nil
}
