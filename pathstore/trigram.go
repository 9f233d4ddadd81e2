package pathstore

import "strings"

// SentinelTrigram is the all-zero trigram. A zero byte can never appear in
// a filesystem path, so real path bytes never produce it. No writer in
// this repository records it: a segment marks full-path trigram indexing
// with the FlagFullPathTrigrams header bit instead, read back through
// Segment.HasFullPathTrigrams.
const SentinelTrigram uint32 = 0

// packTrigram folds three bytes into the same 24-bit encoding used
// throughout the posting store and the on-disk trigram table.
func packTrigram(a, b, c byte) uint32 {
	return uint32(a)<<16 | uint32(b)<<8 | uint32(c)
}

// unpackTrigram is the inverse of packTrigram, used by callers that need
// the raw bytes back (segment encode, query hint extraction debug).
func unpackTrigram(t uint32) [3]byte {
	return [3]byte{byte(t >> 16), byte(t >> 8), byte(t)}
}

// FullPathTrigrams returns every 3-byte trigram in the lowercased
// absolute path, scanning across path-separator bytes so that
// substrings spanning two components are still findable. This is the
// "indexed every path component's trigrams" mode of spec 4.1.
func FullPathTrigrams(path string) []uint32 {
	lower := strings.ToLower(path)
	n := len(lower)
	if n < 3 {
		return nil
	}
	out := make([]uint32, 0, n-2)
	for i := 0; i+3 <= n; i++ {
		out = append(out, packTrigram(lower[i], lower[i+1], lower[i+2]))
	}
	return out
}

// BasenameTrigrams returns trigrams scoped to the final path component
// only. It is what an older writer that predates full-path indexing would
// have produced; Segment.HasFullPathTrigrams tells the query side
// whether a given segment used this narrower mode, so it can fall back to
// a full scan instead of trusting a trigram miss as a true negative.
func BasenameTrigrams(path string) []uint32 {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	return FullPathTrigrams(base)
}

// ExtractLiteralTrigrams returns the trigrams of the longest literal
// (non-wildcard) prefix of a glob-style matcher pattern, used to narrow a
// trigram candidate set before falling back to byte comparison. An empty
// result means the matcher has no usable literal prefix and the query must
// fall back to a full scan.
func ExtractLiteralTrigrams(literalPrefix string) []uint32 {
	return FullPathTrigrams(literalPrefix)
}
