package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/protocol"
)

// MockTurn scripts one Stream call of a MockClient.
type MockTurn struct {
	// Records are replayed in order.
	Records []protocol.Record
	// StreamErr is reported by the source once Records are exhausted.
	StreamErr error
	// RequestErr is returned by Stream instead of a source.
	RequestErr error
	// Hold keeps the source open after Records until the context is done.
	Hold bool
}

// MockClient is a lightweight in-memory Client useful for tests & examples.
// Scripted turns are consumed in order; once exhausted every call answers
// with a canned assistant message echoing the last user input.
type MockClient struct {
	info Info

	mu      sync.Mutex
	turns   []MockTurn
	prompts []Prompt
}

// NewMockClient constructs a MockClient with basic tool support enabled.
func NewMockClient(turns ...MockTurn) *MockClient {
	return &MockClient{
		info:  Info{Name: "mock", Provider: "mock", SupportsTools: true},
		turns: turns,
	}
}

// Script appends turns.
func (m *MockClient) Script(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Prompts returns the prompts received so far.
func (m *MockClient) Prompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Prompt(nil), m.prompts...)
}

// Stream implements Client.
func (m *MockClient) Stream(ctx context.Context, prompt Prompt) (protocol.Source, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	n := len(m.prompts)
	var turn MockTurn
	if len(m.turns) > 0 {
		turn, m.turns = m.turns[0], m.turns[1:]
	} else {
		turn = TextTurn(fmt.Sprintf("resp_%d", n), "Mock response to: "+lastUserText(prompt.Input))
	}
	m.mu.Unlock()

	if turn.RequestErr != nil {
		return nil, turn.RequestErr
	}
	if !turn.Hold {
		return protocol.NewStaticSource(turn.Records, turn.StreamErr), nil
	}
	ch := make(chan protocol.Record, len(turn.Records))
	for _, r := range turn.Records {
		ch <- r
	}
	return protocol.NewChannelSource(ctx, ch), nil
}

// Info implements Client.
func (m *MockClient) Info() Info { return m.info }

// TextTurn scripts an assistant message streamed as one delta per chunk.
// Without chunks the whole text is a single delta.
func TextTurn(responseID, text string, chunks ...string) MockTurn {
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	itemID := "msg_" + responseID
	records := []protocol.Record{protocol.Created{ResponseID: responseID}}
	for _, c := range chunks {
		records = append(records, protocol.OutputTextDelta{ItemID: itemID, Delta: c})
	}
	msg := core.AssistantMessage(text)
	msg.ID = itemID
	records = append(records,
		protocol.OutputItemDone{Item: msg},
		protocol.Completed{ResponseID: responseID},
	)
	return MockTurn{Records: records}
}

// ItemsTurn scripts a response made of finished output items.
func ItemsTurn(responseID string, items ...core.Item) MockTurn {
	records := []protocol.Record{protocol.Created{ResponseID: responseID}}
	for _, it := range items {
		records = append(records, protocol.OutputItemDone{Item: it})
	}
	records = append(records, protocol.Completed{ResponseID: responseID})
	return MockTurn{Records: records}
}

func lastUserText(items []core.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if m, ok := items[i].(core.Message); ok && m.Role == "user" {
			return m.Text()
		}
	}
	return ""
}

var _ Client = (*MockClient)(nil)
