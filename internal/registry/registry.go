// Package registry tracks the active turn per conversation and enforces the
// single-active-turn rule.
package registry

import (
	"errors"
	"sync"
)

// ErrConflict is returned when a conversation already has an active turn.
var ErrConflict = errors.New("conversation already has an active turn")

// Canceller is what the registry needs from a running turn.
type Canceller interface {
	Cancel()
}

// Registry maps conversation ids to their active turn.
type Registry struct {
	mu     sync.Mutex
	active map[string]Canceller
}

func New() *Registry {
	return &Registry{active: make(map[string]Canceller)}
}

// Begin claims the conversation for a new turn. The second concurrent claim
// loses with ErrConflict.
func (r *Registry) Begin(conversationID string, t Canceller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[conversationID]; busy {
		return ErrConflict
	}
	r.active[conversationID] = t
	return nil
}

// Cancel requests cancellation of the active turn, if any. Cancelling an
// idle conversation is a no-op.
func (r *Registry) Cancel(conversationID string) bool {
	r.mu.Lock()
	t, ok := r.active[conversationID]
	r.mu.Unlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// End releases the conversation. Only the turn that claimed it calls this.
func (r *Registry) End(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, conversationID)
}

// Active reports how many turns are in flight.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
