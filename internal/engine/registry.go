// Package engine owns the in-memory registry of active uploads, schedules
// part uploads with bounded concurrency, drives the multipart state
// machine per upload, persists state transitions, and reconciles with the
// control plane's view of uploaded parts on resume.
package engine

import (
	"context"
	"sync"

	"github.com/duneflow/uploadengine/internal/store"
)

// ActiveUpload is the in-memory handle for one upload currently owned by
// the engine. Its State mutations are serialized behind mu so concurrent
// part completions never race.
type ActiveUpload struct {
	mu     sync.Mutex
	State  *store.UploadState
	cancel context.CancelFunc

	// retry is this upload's retry/backoff policy, defaulting to the
	// engine's configured policy but overridable per-upload via
	// START_UPLOAD's retryConfig.
	retry RetryPolicy
}

// Cancel fires this upload's cancel token, aborting every in-flight part
// PUT associated with it.
func (a *ActiveUpload) Cancel() {
	a.cancel()
}

// WithState runs fn with the upload's state locked, returning fn's error.
// Every read or mutation of State must go through WithState.
func (a *ActiveUpload) WithState(fn func(*store.UploadState) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn(a.State)
}

// Snapshot returns a shallow copy of the current state for emitting
// events or persisting, without holding the lock across I/O.
func (a *ActiveUpload) Snapshot() store.UploadState {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := *a.State
	s.Parts = append([]store.Part(nil), a.State.Parts...)
	return s
}

// registry is the single owned collection of active uploads, mutated only
// by Engine's command handlers -- never ambient global state.
type registry struct {
	mu   sync.RWMutex
	byID map[string]*ActiveUpload
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*ActiveUpload)}
}

// Get returns the ActiveUpload for contentID, if present.
func (r *registry) Get(contentID string) (*ActiveUpload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byID[contentID]
	return a, ok
}

// Put registers au under contentID. At most one entry per contentID
// exists at any moment.
func (r *registry) Put(contentID string, au *ActiveUpload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[contentID] = au
}

// Remove deletes contentID's entry, if any.
func (r *registry) Remove(contentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, contentID)
}

// Len returns the number of currently active uploads.
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
