// Package registry tracks the live client connections of one gateway
// instance and delivers payloads to them.
package registry

import (
	"context"
	"errors"
	"sync"
)

// Handle is a live connection that can receive payloads.
type Handle interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// Registry maps client ids to their current Handle. At most one handle is
// installed per client id. The lock guards map access only; writes and
// closes happen outside it.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
}

func New() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register installs handle for clientID. A previously installed handle is
// removed and closed.
func (r *Registry) Register(clientID string, handle Handle) {
	r.mu.Lock()
	previous, ok := r.handles[clientID]
	r.handles[clientID] = handle
	r.mu.Unlock()

	if ok && previous != handle {
		_ = previous.Close()
	}
}

// Unregister removes the entry only while handle is still the current one
// and reports whether it did.
func (r *Registry) Unregister(clientID string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.handles[clientID]
	if !ok || current != handle {
		return false
	}
	delete(r.handles, clientID)
	return true
}

// Send writes payload to the handle registered for clientID. It returns
// false when nobody is registered or the write fails; a failed handle is
// removed and closed. A write abandoned because ctx ended says nothing about
// the connection, so the handle stays registered.
func (r *Registry) Send(ctx context.Context, clientID string, payload []byte) bool {
	r.mu.Lock()
	handle, ok := r.handles[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := handle.Write(ctx, payload); err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return false
		}
		r.Unregister(clientID, handle)
		_ = handle.Close()
		return false
	}
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) Has(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[clientID]
	return ok
}

// Drain removes every entry and closes the handles. Used on shutdown.
func (r *Registry) Drain() int {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]Handle)
	r.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return len(handles)
}
