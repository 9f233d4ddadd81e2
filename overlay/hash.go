package overlay

import "github.com/OneOfOne/xxhash"

func hashPath(p string) uint64 {
	h := xxhash.New64()
	h.Write([]byte(p))
	return h.Sum64()
}
