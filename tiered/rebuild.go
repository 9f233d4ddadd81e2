package tiered

import (
	"sync"
	"time"

	"github.com/relnix/pathindex/model"
)

// rebuildPhase is one of the three states spec 4.5's Rebuild FSM names.
type rebuildPhase int

const (
	rebuildIdle rebuildPhase = iota
	rebuildInProgress
	rebuildCoolingDown
)

func (p rebuildPhase) String() string {
	switch p {
	case rebuildIdle:
		return "idle"
	case rebuildInProgress:
		return "in_progress"
	case rebuildCoolingDown:
		return "cooling_down"
	default:
		return "unknown"
	}
}

// rebuildCooldown bounds how often a non-forced rebuild can restart,
// spec 4.5's "60-second cooldown."
const rebuildCooldown = 60 * time.Second

// RebuildReason records why a rebuild was requested, surfaced for
// logging/stats only.
type RebuildReason string

const (
	ReasonWatcherOverflow RebuildReason = "watcher_overflow"
	ReasonOperatorRequest RebuildReason = "operator_request"
	ReasonStaleSnapshot   RebuildReason = "stale_snapshot"
)

// rebuildState is TieredIndex's rebuild coordinator. A rebuild replaces
// L2-live, disk layers, overlay, and L1 wholesale (a full re-crawl),
// used for watcher overflow recovery, an operator-triggered reindex, or
// a stale on-disk snapshot detected at startup.
type rebuildState struct {
	mu sync.Mutex

	phase          rebuildPhase
	lastStartedAt  time.Time
	requested      bool
	lastReason     RebuildReason
	cooldownTimer  *time.Timer
	pendingEvents  map[string]model.Event // path -> highest-seq event seen during the rebuild

	onCooldownFire func() // invoked when a coalesced cooldown timer fires
}

func newRebuildState() *rebuildState {
	return &rebuildState{pendingEvents: make(map[string]model.Event)}
}

// TryStart unconditionally moves Idle/CoolingDown -> InProgress, clearing
// any pending request, for a forced rebuild (operator request, stale
// snapshot at startup).
func (r *rebuildState) TryStart(reason RebuildReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == rebuildInProgress {
		return false
	}
	if r.cooldownTimer != nil {
		r.cooldownTimer.Stop()
		r.cooldownTimer = nil
	}
	r.phase = rebuildInProgress
	r.requested = false
	r.lastReason = reason
	r.lastStartedAt = time.Now()
	r.pendingEvents = make(map[string]model.Event)
	return true
}

// TryStartWithCooldown implements spec 4.5's
// try_start_with_cooldown(reason): if already in progress, the request
// is coalesced (the running rebuild's eventual Finish will notice
// r.requested and report that another was asked for). If the last start
// was within the cooldown window, a single delayed trigger is scheduled
// rather than starting immediately. Otherwise it starts now.
func (r *rebuildState) TryStartWithCooldown(reason RebuildReason, now func() time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requested = true
	r.lastReason = reason

	if r.phase == rebuildInProgress {
		return false
	}

	since := now().Sub(r.lastStartedAt)
	if !r.lastStartedAt.IsZero() && since < rebuildCooldown {
		if r.cooldownTimer == nil && r.onCooldownFire != nil {
			delay := rebuildCooldown - since
			r.cooldownTimer = time.AfterFunc(delay, r.onCooldownFire)
		}
		r.phase = rebuildCoolingDown
		return false
	}

	r.phase = rebuildInProgress
	r.requested = false
	r.lastStartedAt = now()
	r.pendingEvents = make(map[string]model.Event)
	return true
}

// restartAfterCooldown is called by the scheduled cooldown timer: it
// reads the reason that triggered the cooldown and then forces
// Idle/CoolingDown -> InProgress via TryStart. The read and TryStart take
// the lock separately, so a request arriving between them can change
// lastReason; the reason passed on is only used for logging/stats.
func (r *rebuildState) restartAfterCooldown() bool {
	r.mu.Lock()
	reason := r.lastReason
	r.mu.Unlock()
	return r.TryStart(reason)
}

// abort forces the FSM back to Idle without regard for pendingEvents,
// used when a rebuild's crawl step fails outright. It returns any events
// buffered during the attempt so the caller can apply them to L2-live
// itself. "requested" is left as accumulated, which could be useful for
// a future rebuild attempt.
func (r *rebuildState) abort() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make([]model.Event, 0, len(r.pendingEvents))
	for _, ev := range r.pendingEvents {
		pending = append(pending, ev)
	}
	r.pendingEvents = make(map[string]model.Event)
	r.phase = rebuildIdle
	return pending
}

// Phase returns the current FSM state, for the status surface.
func (r *rebuildState) Phase() rebuildPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// InProgress reports whether event application should buffer into
// pendingEvents instead of applying directly to L2-live.
func (r *rebuildState) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == rebuildInProgress
}

// Buffer records ev, keeping only the highest-seq event per path (spec
// 4.5 step 2: "buffer events in pending_events keyed by path, keeping
// the highest-seq per path (bounded)"). The "bounded" qualifier is
// satisfied by pendingEvents being keyed by path: a burst of events for
// the same file can never grow the map past one entry per distinct path
// touched during the rebuild.
func (r *rebuildState) Buffer(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path := ev.Path()
	if cur, ok := r.pendingEvents[path]; !ok || ev.Seq > cur.Seq {
		r.pendingEvents[path] = ev
	}
}

// drainPending removes and returns every buffered event, sorted is not
// required since the caller applies them as one ApplyEvents batch which
// itself tolerates arbitrary order within a single path (only one event
// survives per path by construction).
func (r *rebuildState) drainPending() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, 0, len(r.pendingEvents))
	for _, ev := range r.pendingEvents {
		out = append(out, ev)
	}
	r.pendingEvents = make(map[string]model.Event)
	return out
}

// finishOnce reports whether pendingEvents was empty (so the caller may
// complete the swap) and, if so, whether another rebuild was requested
// meanwhile; it also resets to Idle in that case. If pendingEvents was
// NOT empty, it returns empty=false and the caller must drain+apply and
// call finishOnce again (spec 4.5: "finish(new_delta): loop").
func (r *rebuildState) finishOnce() (empty bool, anotherRequested bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pendingEvents) > 0 {
		return false, false
	}
	another := r.requested
	r.phase = rebuildIdle
	r.requested = false
	return true, another
}
