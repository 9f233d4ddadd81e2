package segstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/segment"
)

const manifestFileName = "manifest"

// Store owns one index's directory of segment files plus its manifest.
// It serializes manifest mutations with a single mutex: manifest updates
// are rare (one per flush/compaction) and must never race, so there is
// no value in finer-grained locking here the way there is in DeltaIndex.
type Store struct {
	dir string
	log zerolog.Logger

	mu       sync.Mutex
	manifest Manifest
}

// Open loads dir's manifest, creating an empty one (no base, no deltas)
// if dir has none yet.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("segstore: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, manifestFileName)
	m, err := ReadManifest(path)
	if err != nil {
		if os.IsNotExist(err) {
			m = Manifest{NextID: 1, BaseID: 0}
		} else {
			return nil, fmt.Errorf("segstore: load manifest: %w", err)
		}
	}
	return &Store{dir: dir, log: log, manifest: m}, nil
}

// Manifest returns a copy of the current manifest.
func (s *Store) Manifest() Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.clone()
}

// SegmentPath returns the absolute path segment id is stored at.
func (s *Store) SegmentPath(id uint64) string {
	return filepath.Join(s.dir, SegmentFileName(id))
}

// AllocateID reserves the next segment id and persists the bump so a
// crash between allocation and the segment write cannot hand out the
// same id twice; the orphaned, never-referenced segment file left behind
// by such a crash is swept by GCOrphans.
func (s *Store) AllocateID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.manifest.NextID
	next := s.manifest
	next.NextID = id + 1
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.manifest = next
	return id, nil
}

// AppendDelta writes exp as a brand new delta segment and publishes it at
// the tail of the manifest's delta list, the generalization of the
// teacher's IndexWriter.Flush for the "add one more incremental layer"
// case (spec 4.2/4.3).
func (s *Store) AppendDelta(exp segment.Export, walSealID uint64, lastBuildNS int64) (uint64, error) {
	id, err := s.AllocateID()
	if err != nil {
		return 0, err
	}
	if err := segment.Write(s.SegmentPath(id), exp); err != nil {
		return 0, fmt.Errorf("segstore: write delta segment %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.manifest.clone()
	next.DeltaIDs = append(next.DeltaIDs, id)
	next.WALSealID = walSealID
	next.LastBuildNS = lastBuildNS
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.manifest = next
	return id, nil
}

// ReplaceBase installs exp as a new base segment and drops oldDeltaIDs
// from the manifest's delta list (the ids compaction just folded into
// the new base), publishing the swap as a single atomic manifest write.
// It is a weak compare-and-swap: if the manifest's delta list no longer
// has oldDeltaIDs as a prefix (a concurrent AppendDelta landed while
// compaction was running), ReplaceBase fails rather than silently
// dropping the new delta, and the caller is expected to retry
// compaction against the refreshed state.
func (s *Store) ReplaceBase(exp segment.Export, oldDeltaIDs []uint64, lastBuildNS int64) (uint64, error) {
	id, err := s.AllocateID()
	if err != nil {
		return 0, err
	}
	if err := segment.Write(s.SegmentPath(id), exp); err != nil {
		return 0, fmt.Errorf("segstore: write base segment %d: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !hasPrefix(s.manifest.DeltaIDs, oldDeltaIDs) {
		return 0, fmt.Errorf("segstore: compaction raced with a concurrent append, retry")
	}

	next := s.manifest.clone()
	next.BaseID = id
	next.DeltaIDs = append([]uint64(nil), s.manifest.DeltaIDs[len(oldDeltaIDs):]...)
	next.LastBuildNS = lastBuildNS
	if err := s.persistLocked(next); err != nil {
		return 0, err
	}
	s.manifest = next
	return id, nil
}

func hasPrefix(list, prefix []uint64) bool {
	if len(prefix) > len(list) {
		return false
	}
	for i, v := range prefix {
		if list[i] != v {
			return false
		}
	}
	return true
}

func (s *Store) persistLocked(m Manifest) error {
	return WriteManifest(filepath.Join(s.dir, manifestFileName), m)
}

// OpenSegments mmaps the base segment (if any) plus every delta segment
// named in the current manifest, base first, oldest delta first — the
// read order spec 4.5's query algorithm expects (newest delta wins ties,
// so callers should search this slice from the end backward, or index
// it by position and apply the overlay on top).
func (s *Store) OpenSegments() ([]*segment.Segment, error) {
	m := s.Manifest()
	var ids []uint64
	if m.BaseID != 0 {
		ids = append(ids, m.BaseID)
	}
	ids = append(ids, m.DeltaIDs...)

	segs := make([]*segment.Segment, 0, len(ids))
	for _, id := range ids {
		seg, err := segment.Open(s.SegmentPath(id))
		if err != nil {
			for _, opened := range segs {
				opened.Close()
			}
			return nil, fmt.Errorf("segstore: open segment %d: %w", id, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// GCOrphans removes segment files in dir that are not referenced by the
// current manifest: the base/delta files a crash left behind between
// AllocateID and the next successful manifest write. It is safe to run
// concurrently with normal operation because it only ever deletes files
// outside the live id set, never the ones currently referenced.
func (s *Store) GCOrphans() error {
	m := s.Manifest()
	live := make(map[uint64]bool, len(m.DeltaIDs)+1)
	if m.BaseID != 0 {
		live[m.BaseID] = true
	}
	for _, id := range m.DeltaIDs {
		live[id] = true
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("segstore: list %s: %w", s.dir, err)
	}

	var errs *multierror.Error
	for _, e := range entries {
		id, ok := parseSegmentFileName(e.Name())
		if !ok {
			continue
		}
		if live[id] {
			continue
		}
		if id >= m.NextID {
			// Not yet allocated in this manifest view; leave it alone,
			// it may be mid-write by a concurrent AppendDelta.
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, fmt.Errorf("segstore: remove orphan %s: %w", e.Name(), err))
		} else {
			s.log.Debug().Str("segment", e.Name()).Msg("removed orphan segment")
		}
	}
	return errs.ErrorOrNil()
}

func parseSegmentFileName(name string) (uint64, bool) {
	const suffix = ".seg"
	if len(name) != 16+len(suffix) || name[16:] != suffix {
		return 0, false
	}
	var id uint64
	for _, c := range name[:16] {
		var v uint64
		switch {
		case c >= '0' && c <= '9':
			v = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v = uint64(c-'a') + 10
		default:
			return 0, false
		}
		id = id<<4 | v
	}
	return id, true
}
