package engine

import (
	"errors"
	"fmt"
)

// ErrModelCallLimit ends a turn that sampled the model more often than
// Options.MaxModelCalls allows.
var ErrModelCallLimit = errors.New("exceeded max model calls per turn")

// callLimiter counts the sampling rounds of one turn. It is only touched by
// the turn task.
type callLimiter struct {
	max   int
	count int
}

func newCallLimiter(max int) *callLimiter {
	return &callLimiter{max: max}
}

// increment records a round and fails once the limit is exceeded. max == 0
// allows unlimited rounds.
func (l *callLimiter) increment() error {
	l.count++
	if l.max > 0 && l.count > l.max {
		return fmt.Errorf("%w: %d", ErrModelCallLimit, l.max)
	}
	return nil
}

// remaining returns how many rounds are left, or -1 when unlimited.
func (l *callLimiter) remaining() int {
	if l.max == 0 {
		return -1
	}
	return l.max - l.count
}
