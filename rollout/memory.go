package rollout

import (
	"context"
	"slices"
	"sync"

	"github.com/hupe1980/codeagent/core"
)

// MemoryStore keeps rollouts in a process local map. It is safe for
// concurrent use and suited for tests and ephemeral servers. Lines are
// copied on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	lines map[string][]core.RolloutLine
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lines: make(map[string][]core.RolloutLine)}
}

// Append implements core.RolloutStore.
func (s *MemoryStore) Append(_ context.Context, sessionID string, lines ...core.RolloutLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines[sessionID] = append(s.lines[sessionID], lines...)
	return nil
}

// Load implements core.RolloutStore.
func (s *MemoryStore) Load(_ context.Context, sessionID string) ([]core.RolloutLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines, ok := s.lines[sessionID]
	if !ok {
		return nil, core.ErrRolloutNotFound
	}
	return slices.Clone(lines), nil
}

// Sessions returns the ids of all stored rollouts, sorted.
func (s *MemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.lines))
	for id := range s.lines {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

var _ core.RolloutStore = (*MemoryStore)(nil)
