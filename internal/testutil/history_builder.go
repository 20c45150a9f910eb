package testutil

import (
	"github.com/hupe1980/codeagent/core"
)

// HistoryBuilder builds conversation histories with fluent chaining.
// Example:
//
//	items := NewHistoryBuilder().User("u1").Assistant("a1").Call("call_1", "shell", `{"command":["ls"]}`).Build()
type HistoryBuilder struct {
	items []core.Item
}

// NewHistoryBuilder creates an empty builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// User appends a user message (chainable).
func (b *HistoryBuilder) User(text string) *HistoryBuilder {
	b.items = append(b.items, core.UserMessage(text))
	return b
}

// Assistant appends an assistant message (chainable).
func (b *HistoryBuilder) Assistant(text string) *HistoryBuilder {
	b.items = append(b.items, core.AssistantMessage(text))
	return b
}

// Turns appends one user/assistant pair per suffix, e.g. Turns("1","2")
// yields u1, a1, u2, a2 (chainable).
func (b *HistoryBuilder) Turns(suffixes ...string) *HistoryBuilder {
	for _, s := range suffixes {
		b.User("u" + s).Assistant("a" + s)
	}
	return b
}

// Call appends a function call (chainable).
func (b *HistoryBuilder) Call(callID, name, args string) *HistoryBuilder {
	b.items = append(b.items, core.FunctionCall{Name: name, Arguments: args, CallID: callID})
	return b
}

// Output appends a function call output (chainable).
func (b *HistoryBuilder) Output(callID, content string, success bool) *HistoryBuilder {
	b.items = append(b.items, core.FunctionCallOutput{
		CallID: callID,
		Output: core.FunctionCallOutputPayload{Content: content, Success: &success},
	})
	return b
}

// Item appends arbitrary items (chainable).
func (b *HistoryBuilder) Item(items ...core.Item) *HistoryBuilder {
	b.items = append(b.items, items...)
	return b
}

// Build returns a copy of the accumulated items.
func (b *HistoryBuilder) Build() []core.Item {
	return append([]core.Item(nil), b.items...)
}
