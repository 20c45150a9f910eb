package session

import (
	"slices"
	"sync"

	"github.com/hupe1980/codeagent/core"
)

// History is the ordered transcript sent to the model, oldest first. Only API
// items are recorded. It is safe for concurrent use.
type History struct {
	mu    sync.Mutex
	items []core.Item
}

// NewHistory returns a History seeded with the API items of seed.
func NewHistory(seed ...core.Item) *History {
	h := &History{}
	h.Append(seed...)
	return h
}

// Append records items in order, skipping anything that is not an API item.
func (h *History) Append(items ...core.Item) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, item := range items {
		if item == nil || !core.IsAPIItem(item) {
			continue
		}
		h.items = append(h.items, item)
	}
}

// KeepLastMessages drops everything except the last n messages. Kept messages
// lose their ids and stay in chronological order. n == 0 clears the history.
func (h *History) KeepLastMessages(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 {
		h.items = nil
		return
	}
	kept := make([]core.Item, 0, n)
	for i := len(h.items) - 1; i >= 0 && len(kept) < n; i-- {
		msg, ok := h.items[i].(core.Message)
		if !ok {
			continue
		}
		msg.ID = ""
		msg.Content = slices.Clone(msg.Content)
		kept = append(kept, msg)
	}
	slices.Reverse(kept)
	h.items = kept
}

// Snapshot returns a copy of the current items.
func (h *History) Snapshot() []core.Item {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.items)
}

// Len returns the number of recorded items.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Replace swaps the whole transcript, filtering non API items.
func (h *History) Replace(items []core.Item) {
	filtered := make([]core.Item, 0, len(items))
	for _, item := range items {
		if item != nil && core.IsAPIItem(item) {
			filtered = append(filtered, item)
		}
	}
	h.mu.Lock()
	h.items = filtered
	h.mu.Unlock()
}

// LastAssistantMessage returns the text of the newest assistant message, if any.
func LastAssistantMessage(items []core.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if msg, ok := items[i].(core.Message); ok && msg.Role == "assistant" {
			return msg.Text()
		}
	}
	return ""
}
