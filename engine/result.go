package engine

import (
	"context"

	"github.com/hupe1980/codeagent/core"
)

// HandleResult tells an event consumer whether the turn goes on.
type HandleResult int

const (
	// ContinueTurn means more events of the same turn follow.
	ContinueTurn HandleResult = iota
	// EndTurn means the event ended the turn.
	EndTurn
)

// String implements fmt.Stringer.
func (r HandleResult) String() string {
	if r == EndTurn {
		return "end_turn"
	}
	return "continue_turn"
}

// Classify maps an event to its effect on the turn. Only TaskComplete,
// TurnInterrupted, Error and ShutdownComplete end a turn; approval requests
// are elicitations and keep it running.
func Classify(msg core.EventMsg) HandleResult {
	switch msg.(type) {
	case core.TaskComplete, core.TurnInterrupted, core.Error, core.ShutdownComplete:
		return EndTurn
	default:
		return ContinueTurn
	}
}

// Collect reads events until one ends the turn and returns them all, the
// terminal event last. handle, when non-nil, sees every event first; it can
// answer approval requests by submitting to the conversation.
func Collect(ctx context.Context, c *Conversation, handle func(core.Event)) ([]core.Event, error) {
	var out []core.Event
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			return out, err
		}
		if handle != nil {
			handle(ev)
		}
		out = append(out, ev)
		if Classify(ev.Msg) == EndTurn {
			return out, nil
		}
	}
}

// Run submits text as user input and collects the events of the turn it
// starts. Events already queued from earlier activity, such as
// SessionConfigured, are included.
func Run(ctx context.Context, c *Conversation, text string, handle func(core.Event)) ([]core.Event, error) {
	if _, err := c.Submit(ctx, core.UserInput{Text: text}); err != nil {
		return nil, err
	}
	return Collect(ctx, c, handle)
}
