package core

import "github.com/google/uuid"

// NewID returns a random identifier for submissions, calls and turns.
func NewID() string { return uuid.NewString() }

// NewSessionID returns a time ordered identifier for a new session.
func NewSessionID() string { return uuid.Must(uuid.NewV7()).String() }
