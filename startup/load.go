package startup

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/model"
	"github.com/relnix/pathindex/pathstore"
	"github.com/relnix/pathindex/segment"
	"github.com/relnix/pathindex/segstore"
	"github.com/relnix/pathindex/walog"
)

// Config is what a caller (cmd/pathindexd) supplies to Load: where the
// on-disk store/WAL live, which filesystem roots are indexed, and which
// path prefixes the stale-snapshot crawl and the full-rebuild crawl both
// skip (the store directory itself is always added automatically).
type Config struct {
	StoreDir string
	WALPath  string
	Roots    []string
	Ignore   []string
	Stat     model.Statter
	Log      zerolog.Logger
}

// Loaded bundles the dependencies New(tiered.Config) needs: the opened
// store and WAL, the shared Roots table, whatever disk layers survived
// the stale-snapshot check, and the events replayed from the WAL since
// the manifest's last seal (which ApplyEvents must fold into whichever
// index — crawled or mounted — ends up live).
type Loaded struct {
	Store        *segstore.Store
	WAL          *walog.WAL
	Roots        *pathstore.Roots
	Layers       []*segment.Segment
	Stale        bool
	ReplayEvents []model.Event
	Crawler      Crawler
}

// Load opens the store and WAL, mmaps the manifest's referenced segments,
// and performs spec 4.5's offline mtime crawl to decide whether those
// segments can be trusted. Roots are pre-registered on the returned Roots
// table even if Stale (so the first real crawl/rebuild reuses the same
// RootIDs a fresh DeltaIndex would assign, keeping segment RootID space
// stable across a stale-snapshot restart).
func Load(cfg Config) (*Loaded, error) {
	ignore := append(append([]string(nil), cfg.Ignore...), cfg.StoreDir)

	store, err := segstore.Open(cfg.StoreDir, cfg.Log)
	if err != nil {
		return nil, err
	}
	wal, err := walog.Open(cfg.WALPath)
	if err != nil {
		return nil, err
	}

	roots := pathstore.NewRoots()
	for _, r := range cfg.Roots {
		roots.IDFor(r)
	}

	manifest := store.Manifest()

	stale := isStale(cfg.Roots, ignore, manifest.LastBuildNS, cfg.Log)

	var layers []*segment.Segment
	if !stale {
		layers, err = store.OpenSegments()
		if err != nil {
			return nil, err
		}
		if rootsMismatch(roots, layers) {
			cfg.Log.Warn().Msg("mounted segments were built under a different roots configuration, discarding and triggering a rebuild")
			for _, l := range layers {
				l.Close()
			}
			layers = nil
			stale = true
		}
	} else {
		cfg.Log.Warn().Msg("on-disk snapshot is older than the filesystem, starting cold and triggering a rebuild")
	}

	replay, err := walog.ReplaySinceLastSeal(cfg.WALPath)
	if err != nil {
		cfg.Log.Warn().Err(err).Msg("WAL replay failed, continuing without it")
		replay = nil
	}

	return &Loaded{
		Store:        store,
		WAL:          wal,
		Roots:        roots,
		Layers:       layers,
		Stale:        stale,
		ReplayEvents: replay,
		Crawler:      Crawler{Roots: cfg.Roots, Ignore: ignore, Log: cfg.Log},
	}, nil
}

// rootsMismatch reports whether any mounted segment's own roots table
// hashes differently from the live configuration's, spec 8 property 8
// ("Roots-hash gating"): a segment built under a different -roots flag
// must never be mounted as current, even though its own PathOf still
// decodes correctly against its own stored table.
func rootsMismatch(roots *pathstore.Roots, layers []*segment.Segment) bool {
	want := roots.Hash()
	for _, seg := range layers {
		if pathstore.NewRootsFrom(seg.Roots()).Hash() != want {
			return true
		}
	}
	return false
}

// isStale implements spec 4.5's "offline mtime crawl": walk every
// directory under roots (skipping ignored prefixes), and if any visited
// directory's mtime postdates lastBuildNS, the mounted segments cannot be
// trusted — something changed while the process was stopped that a
// directory-granularity mtime crawl can see but a cold mmap cannot.
// lastBuildNS == 0 (no manifest yet) is always stale, trivially: there is
// nothing to trust yet.
func isStale(roots, ignore []string, lastBuildNS int64, log zerolog.Logger) bool {
	if lastBuildNS == 0 {
		return true
	}

	for _, root := range roots {
		stale := false
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if stale {
				return fs.SkipAll
			}
			if err != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if (Crawler{Ignore: ignore}).ignored(path) {
				return fs.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().UnixNano() > lastBuildNS {
				stale = true
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("root", root).Msg("stale-snapshot crawl failed, assuming stale")
			return true
		}
		if stale {
			return true
		}
	}
	return false
}

