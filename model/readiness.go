package model

import (
	"sync"
	"time"
)

// State is the initialization state of the loaded model.
type State int

const (
	// StateUninitialized means loading has not finished (or has not started).
	StateUninitialized State = iota
	// StateReady means the model is loaded and serving completions.
	StateReady
	// StateFailed means loading failed; there is no reload.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Status is a point-in-time copy of the readiness tracker.
type Status struct {
	// State is the current state.
	State State `json:"-"`

	// Model is the loaded model file (set once ready).
	Model string `json:"model,omitempty"`

	// Cause is the load failure (set once failed).
	Cause error `json:"-"`

	// Since is when the state last changed.
	Since time.Time `json:"since,omitempty"`
}

// Ready reports whether the model is serving.
func (s Status) Ready() bool {
	return s.State == StateReady
}

// Readiness tracks the model's initialization state.
// Once ready it never reverts within a process lifetime.
type Readiness struct {
	mu     sync.RWMutex
	status Status
}

// NewReadiness creates a tracker in the uninitialized state.
func NewReadiness() *Readiness {
	return &Readiness{status: Status{State: StateUninitialized, Since: time.Now()}}
}

// MarkReady records a successful load. Returns false if the tracker already
// left the uninitialized state.
func (r *Readiness) MarkReady(modelPath string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State != StateUninitialized {
		return false
	}
	r.status = Status{State: StateReady, Model: modelPath, Since: time.Now()}
	return true
}

// MarkFailed records a load failure. A ready tracker ignores it.
func (r *Readiness) MarkFailed(cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.State != StateUninitialized {
		return false
	}
	r.status = Status{State: StateFailed, Cause: cause, Since: time.Now()}
	return true
}

// Status returns a copy of the current status.
func (r *Readiness) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}
