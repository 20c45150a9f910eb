package manager

import (
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/codeagent/engine"
)

// Registry maps session ids to live conversations. It is safe for
// concurrent use; lookups take a read lock only.
type Registry struct {
	mu    sync.RWMutex
	convs map[string]*engine.Conversation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{convs: make(map[string]*engine.Conversation)}
}

// Insert registers c under its session id.
func (r *Registry) Insert(c *engine.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.convs[c.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrSessionActive, c.ID())
	}
	r.convs[c.ID()] = c
	return nil
}

// Lookup returns the conversation registered under id.
func (r *Registry) Lookup(id string) (*engine.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	return c, ok
}

// Remove unregisters id and returns the conversation it held.
func (r *Registry) Remove(id string) (*engine.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if ok {
		delete(r.convs, id)
	}
	return c, ok
}

// removeIf unregisters id only while it still maps to c.
func (r *Registry) removeIf(id string, c *engine.Conversation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.convs[id] != c {
		return false
	}
	delete(r.convs, id)
	return true
}

// IDs returns the registered session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// All returns a snapshot of the registered conversations.
func (r *Registry) All() []*engine.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*engine.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}
