// Package startup implements spec 4.5's "Startup / stale snapshot
// detection": loading the manifest, mmap-mounting the segments it
// references, and an offline mtime crawl that decides whether those
// segments can be trusted or must be discarded in favor of a rebuild.
// It also supplies the full-filesystem crawler that backs
// tiered.RebuildFunc, since TieredIndex itself only owns the rebuild
// state machine, not filesystem walking.
package startup

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/deltaindex"
	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
)

// Crawler performs a full, blocking walk of Roots, skipping any path
// under an Ignore prefix (the store directory is always added to Ignore
// by the caller), and returns a freshly populated DeltaIndex sharing
// Roots' table. It holds no stats of its own; Run logs the number of
// entries indexed and skipped when the walk completes.
type Crawler struct {
	Roots  []string
	Ignore []string
	Log    zerolog.Logger
}

// Run walks every configured root and returns a DeltaIndex containing
// every regular file and directory found, stat'd as it is visited (the
// same os.Lstat-based identity DeltaIndex's default Statter would
// produce, computed inline here since the walk already has a
// fs.DirEntry/os.FileInfo in hand).
func (c Crawler) Run(roots *pathstore.Roots) (*deltaindex.DeltaIndex, error) {
	idx := deltaindex.New(roots, deltaindex.WithLogger(c.Log))
	seen := 0
	skipped := 0

	for _, root := range c.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// A vanished or permission-denied entry mid-walk is not
				// fatal to the whole crawl; skip it and keep going.
				c.Log.Debug().Err(err).Str("path", path).Msg("crawl: skipping entry")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if c.ignored(path) {
				skipped++
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return nil
			}
			key, ok := fileKeyOf(info)
			if !ok {
				return nil
			}
			idx.Upsert(path, key, uint64(info.Size()), info.ModTime().UnixNano())
			seen++
			return nil
		})
		if err != nil {
			c.Log.Warn().Err(err).Str("root", root).Msg("crawl: walk returned an error")
		}
	}

	c.Log.Info().Int("files", seen).Int("skipped", skipped).Msg("crawl complete")
	return idx, nil
}

func (c Crawler) ignored(path string) bool {
	for _, prefix := range c.Ignore {
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func fileKeyOf(info os.FileInfo) (model.FileKey, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return model.FileKey{}, false
	}
	return model.FileKey{Device: uint64(st.Dev), Inode: st.Ino}, true
}
