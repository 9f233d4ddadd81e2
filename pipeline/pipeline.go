// Package pipeline implements the event ingest consumer described in
// spec 4.7: a bounded channel from the filesystem-notify backend, a
// debounce window, ignore-prefix filtering, per-path merge (a Rename
// replaces any pending entry for its from-path and is keyed on its
// to-path), and overflow-triggered rebuild scheduling.
package pipeline

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relnix/pathindex/model"
)

// DefaultDebounce matches spec 4.7's default debounce window.
const DefaultDebounce = 100 * time.Millisecond

// Sink is what a drained, merged batch is submitted to —
// TieredIndex.ApplyEvents in production, a recording fake in tests.
type Sink interface {
	ApplyEvents(batch []model.Event)
}

// OverflowNotifier is invoked once per pipeline iteration in which the
// backend's overflow counter grew since the previous iteration (spec
// 4.7 step 6: "trigger a cooldown-respecting rebuild").
type OverflowNotifier func()

// Pipeline owns the bounded ingest channel and its single consumer
// goroutine.
type Pipeline struct {
	in       chan model.Event
	sink     Sink
	log      zerolog.Logger
	debounce time.Duration
	ignore   []string

	overflowCount uint64 // atomic, bumped by TrySend
	lastOverflow  uint64
	onOverflow    OverflowNotifier

	seq uint64 // atomic, assigns Event.Seq at ingest time

	stop chan struct{}
	done chan struct{}
}

// Option configures a new Pipeline.
type Option func(*Pipeline)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(p *Pipeline) { p.debounce = d }
}

// WithIgnorePrefixes sets the path prefixes to drop, always including
// the index's own store directory regardless of what the caller passes
// (spec 4.7 step 3: "always including the store directory").
func WithIgnorePrefixes(storeDir string, extra ...string) Option {
	return func(p *Pipeline) {
		p.ignore = append([]string{storeDir}, extra...)
	}
}

// WithOverflowNotifier sets the callback invoked when the channel has
// dropped events since the previous drain.
func WithOverflowNotifier(f OverflowNotifier) Option {
	return func(p *Pipeline) { p.onOverflow = f }
}

// New returns a Pipeline with a channel of the given capacity, not yet
// started.
func New(capacity int, sink Sink, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		in:       make(chan model.Event, capacity),
		sink:     sink,
		log:      log,
		debounce: DefaultDebounce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// TrySend enqueues ev without blocking, assigning it a monotonic Seq.
// If the channel is full the event is dropped and the overflow counter
// is bumped — spec 5's documented back-pressure policy ("try-send drops
// on full ... rather than apply-path blocking").
func (p *Pipeline) TrySend(ev model.Event) {
	ev.Seq = atomic.AddUint64(&p.seq, 1)
	select {
	case p.in <- ev:
	default:
		atomic.AddUint64(&p.overflowCount, 1)
		p.log.Warn().Str("path", ev.Path()).Msg("event channel full, dropping event")
	}
}

// Run drives the consumer loop until Stop is called. It is meant to run
// in its own goroutine.
func (p *Pipeline) Run() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case first := <-p.in:
			p.drainAndSubmit(first)
		}
	}
}

// Stop signals Run to exit after finishing any in-flight batch, and
// blocks until it has.
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pipeline) drainAndSubmit(first model.Event) {
	batch := []model.Event{first}

	timer := time.NewTimer(p.debounce)
	defer timer.Stop()
drain:
	for {
		select {
		case ev := <-p.in:
			batch = append(batch, ev)
		case <-timer.C:
			break drain
		}
	}

	batch = filterIgnored(batch, p.ignore)
	merged := mergeByPath(batch)

	if got := atomic.LoadUint64(&p.overflowCount); got != p.lastOverflow {
		p.lastOverflow = got
		if p.onOverflow != nil {
			p.onOverflow()
		}
	}

	if len(merged) == 0 {
		return
	}
	p.sink.ApplyEvents(merged)
}

func filterIgnored(batch []model.Event, prefixes []string) []model.Event {
	if len(prefixes) == 0 {
		return batch
	}
	out := batch[:0:0]
	for _, ev := range batch {
		if isIgnored(ev.Path(), prefixes) || (ev.Kind == model.EventRename && isIgnored(ev.FromPath(), prefixes)) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func isIgnored(path string, prefixes []string) bool {
	if path == "" {
		return false
	}
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// mergeByPath implements spec 4.7 step 4: group by path, Rename removes
// any previous entry for its from-path then inserts itself keyed on its
// to-path, ordinary events keep only the highest-seq record per path;
// the result is emitted sorted by seq.
func mergeByPath(batch []model.Event) []model.Event {
	byPath := make(map[string]model.Event, len(batch))
	for _, ev := range batch {
		if ev.Kind == model.EventRename {
			delete(byPath, ev.FromPath())
			byPath[ev.Path()] = ev
			continue
		}
		if cur, ok := byPath[ev.Path()]; !ok || ev.Seq > cur.Seq {
			byPath[ev.Path()] = ev
		}
	}

	out := make([]model.Event, 0, len(byPath))
	for _, ev := range byPath {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
