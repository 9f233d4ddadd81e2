package main

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/model"
)

// pollWatcher is the minimal, stdlib-only stand-in for the
// filesystem-notification backend spec.md §1 names as deliberately out of
// scope ("an external collaborator the coordinator consumes events
// from, not a module of its own"). No notify library appears anywhere in
// the example pack's direct dependency graph, so rather than fabricate
// one this re-walks the configured roots on a fixed interval and diffs
// against what it saw last time. It cannot distinguish a rename from a
// delete+create — the same degrade path spec 4.7 describes for backends
// without atomic from/to reporting — and it is not meant to replace a
// real inotify/FSEvents/kqueue backend in production, only to make
// pathindexd runnable standalone.
type pollWatcher struct {
	roots    []string
	ignore   []string
	interval time.Duration
	stat     model.Statter
	log      zerolog.Logger

	seen map[string]pollEntry
}

type pollEntry struct {
	key     model.FileKey
	size    uint64
	mtimeNS int64
}

func newPollWatcher(roots, ignore []string, interval time.Duration, stat model.Statter, log zerolog.Logger) *pollWatcher {
	return &pollWatcher{
		roots:    roots,
		ignore:   ignore,
		interval: interval,
		stat:     stat,
		log:      log,
		seen:     make(map[string]pollEntry),
	}
}

// Run blocks, emitting events to send until ctx is cancelled. The first
// pass only seeds w.seen — the initial crawl has already indexed those
// paths, so diffing against an empty map would re-announce everything as
// a Create.
func (w *pollWatcher) Run(ctx context.Context, send func(model.Event)) {
	w.scan(nil)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		w.scan(send)
	}
}

func (w *pollWatcher) scan(send func(model.Event)) {
	current := make(map[string]pollEntry, len(w.seen))
	var changed []model.Event

	for _, root := range w.roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if w.ignored(path) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			res, ok := w.stat(path)
			if !ok {
				return nil
			}
			entry := pollEntry{key: res.Key, size: res.Size, mtimeNS: res.MtimeNS}
			current[path] = entry

			if send == nil {
				return nil
			}
			prev, existed := w.seen[path]
			switch {
			case !existed:
				changed = append(changed, newEvent(model.EventCreate, path, entry))
			case prev.mtimeNS != entry.mtimeNS || prev.size != entry.size:
				changed = append(changed, newEvent(model.EventModify, path, entry))
			}
			return nil
		})
	}

	if send != nil {
		for path, prev := range w.seen {
			if _, ok := current[path]; !ok {
				send(model.Event{
					Kind: model.EventDelete,
					Time: time.Now(),
					Ident: model.FileIdentifier{
						Path:   path,
						Key:    prev.key,
						HasKey: true,
					},
				})
			}
		}
		// Deletes go out first, so a rename seen as delete+create reaches
		// the index as Delete followed by Create.
		for _, ev := range changed {
			send(ev)
		}
	}

	w.seen = current
}

func (w *pollWatcher) ignored(path string) bool {
	for _, prefix := range w.ignore {
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func newEvent(kind model.EventKind, path string, e pollEntry) model.Event {
	return model.Event{
		Kind: kind,
		Time: time.Now(),
		Ident: model.FileIdentifier{
			Path:   path,
			Key:    e.key,
			HasKey: true,
		},
		Size:      e.size,
		MtimeNS:   e.mtimeNS,
		StatValid: true,
	}
}
