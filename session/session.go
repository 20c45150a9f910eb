package session

import (
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/codeagent/core"
)

// Session is the state owned by one conversation. The id is fixed at
// construction; the turn context is replaced wholesale, never mutated in
// place.
type Session struct {
	id      string
	created time.Time
	history *History

	mu       sync.RWMutex
	turn     core.TurnContext
	approved map[string]struct{}
}

// New returns a Session with the given identity, turn context and seed history.
func New(id string, tc core.TurnContext, seed ...core.Item) *Session {
	return &Session{
		id:       id,
		created:  time.Now().UTC(),
		history:  NewHistory(seed...),
		turn:     tc.Clone(),
		approved: map[string]struct{}{},
	}
}

// ID returns the immutable session identity.
func (s *Session) ID() string { return s.id }

// Created returns the construction time.
func (s *Session) Created() time.Time { return s.created }

// History returns the session transcript.
func (s *Session) History() *History { return s.history }

// TurnContext returns a copy of the current turn context.
func (s *Session) TurnContext() core.TurnContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn.Clone()
}

// SetTurnContext replaces the turn context.
func (s *Session) SetTurnContext(tc core.TurnContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn = tc.Clone()
}

// ApproveForSession remembers command so that identical invocations skip
// approval for the rest of the session.
func (s *Session) ApproveForSession(command []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[commandKey(command)] = struct{}{}
}

// ApprovedForSession reports whether command was approved for the session.
func (s *Session) ApprovedForSession(command []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.approved[commandKey(command)]
	return ok
}

func commandKey(command []string) string { return strings.Join(command, "\x00") }
