package providers

import (
	"sync"
	"time"
)

// BackendKind names which backend served or should serve a request.
type BackendKind string

const (
	BackendPrimary  BackendKind = "primary"
	BackendFallback BackendKind = "fallback"
)

// HealthState is the per-session backend selection state.
type HealthState struct {
	Current             BackendKind
	ConsecutiveFailures int // primary failures since primary last succeeded
	LastSwitchAt        time.Time
	LastUsedAt          time.Time
}

// sessionHealth guards one session's HealthState. The lock is held only
// while reading or transitioning state, never across a backend call.
type sessionHealth struct {
	mu    sync.Mutex
	state HealthState
}

func newSessionHealth() *sessionHealth {
	return &sessionHealth{state: HealthState{Current: BackendPrimary}}
}

func (h *sessionHealth) snapshot() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// touch records use and reports whether the session is on fallback with the
// cool-down elapsed, meaning this request should probe primary.
func (h *sessionHealth) touch(now time.Time, cooldown time.Duration) (HealthState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.LastUsedAt = now
	st := h.state
	probe := st.Current == BackendFallback && now.Sub(st.LastSwitchAt) >= cooldown
	return st, probe
}

// primarySucceeded returns the session to primary. Reports whether this was a transition.
func (h *sessionHealth) primarySucceeded(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switched := h.state.Current != BackendPrimary
	if switched {
		h.state.Current = BackendPrimary
		h.state.LastSwitchAt = now
	}
	h.state.ConsecutiveFailures = 0
	return switched
}

// primaryFailed moves the session to fallback, or restarts the cool-down of a
// session already there. Reports whether this was a transition.
func (h *sessionHealth) primaryFailed(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switched := h.state.Current != BackendFallback
	h.state.Current = BackendFallback
	h.state.ConsecutiveFailures++
	h.state.LastSwitchAt = now
	return switched
}
