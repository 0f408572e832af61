package session

import (
	"sync"
	"time"
)

// Liveness states derived from last-seen age.
const (
	StateLive  = "live"
	StateStale = "stale"
	StateDead  = "dead"
)

// Presence is the runtime view of one AE.
type Presence struct {
	AEID     string    `json:"ae_id"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
	Profile  string    `json:"profile,omitempty"`
}

// Registry tracks which AEs are currently alive based on heartbeats and
// emissions. It feeds the /admin/runtime view and backs the per-profile
// idle limit: a grant whose subject has been silent past its profile's
// MaxIdle is refused.
type Registry struct {
	mu         sync.RWMutex
	seen       map[string]entry
	staleAfter time.Duration
	deadAfter  time.Duration
	now        func() time.Time
}

type entry struct {
	lastSeen time.Time
	profile  string
}

// NewRegistry creates a registry. An AE becomes stale after staleAfter
// without contact and dead after deadAfter; dead entries are dropped by
// Sweep.
func NewRegistry(staleAfter, deadAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if deadAfter <= staleAfter {
		deadAfter = 4 * staleAfter
	}
	return &Registry{
		seen:       make(map[string]entry),
		staleAfter: staleAfter,
		deadAfter:  deadAfter,
		now:        time.Now,
	}
}

// Touch records contact from aeID. The profile sticks to the entry so
// the runtime view can show it; pass "" to keep the previous value.
func (r *Registry) Touch(aeID, profile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.seen[aeID]
	e.lastSeen = r.now()
	if profile != "" {
		e.profile = profile
	}
	r.seen[aeID] = e
}

// LastSeen returns when aeID last made contact. ok is false when the
// registry holds no entry, because the AE never touched it or a sweep
// dropped it.
func (r *Registry) LastSeen(aeID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.seen[aeID]
	return e.lastSeen, ok
}

// Forget drops aeID immediately, used when a key is revoked.
func (r *Registry) Forget(aeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, aeID)
}

// Snapshot returns the current presence of every tracked AE, dead
// entries included until the next Sweep.
func (r *Registry) Snapshot() []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]Presence, 0, len(r.seen))
	for id, e := range r.seen {
		out = append(out, Presence{
			AEID:     id,
			State:    r.state(now, e.lastSeen),
			LastSeen: e.lastSeen,
			Profile:  e.profile,
		})
	}
	return out
}

// Sweep removes entries past the dead threshold and returns how many
// were dropped. Run it periodically from the daemon.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	dropped := 0
	for id, e := range r.seen {
		if now.Sub(e.lastSeen) > r.deadAfter {
			delete(r.seen, id)
			dropped++
		}
	}
	return dropped
}

func (r *Registry) state(now, lastSeen time.Time) string {
	age := now.Sub(lastSeen)
	switch {
	case age > r.deadAfter:
		return StateDead
	case age > r.staleAfter:
		return StateStale
	default:
		return StateLive
	}
}
