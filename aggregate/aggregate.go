// Package aggregate turns a protocol.Source into a sequence of domain events,
// either forwarding every delta (raw mode) or buffering deltas per item and
// emitting one event per completed item (collapsed mode).
package aggregate

import (
	"fmt"
	"strings"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/protocol"
)

// Mode selects how deltas are surfaced.
type Mode int

const (
	// ModeRaw forwards every delta as it arrives.
	ModeRaw Mode = iota
	// ModeCollapsed buffers deltas and emits whole items only.
	ModeCollapsed
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeCollapsed {
		return "collapsed"
	}
	return "raw"
}

// ParseMode parses "raw" or "collapsed". The empty string yields ModeRaw.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "raw":
		return ModeRaw, nil
	case "collapsed":
		return ModeCollapsed, nil
	default:
		return ModeRaw, fmt.Errorf("unknown aggregation mode %q", s)
	}
}

// Usage limit codes reported by the backend.
const (
	CodeUsageLimitReached = "usage_limit_reached"
	CodeUsageNotIncluded  = "usage_not_included"
)

// Options configures an Aggregator.
type Options struct {
	Logger logging.Logger
}

type bufferKind int

const (
	bufferText bufferKind = iota
	bufferReasoning
	bufferToolInput
)

type buffer struct {
	kind    bufferKind
	text    strings.Builder
	summary []*strings.Builder
	content strings.Builder
	callID  string
}

// Aggregator reads records from a Source and yields core.EventMsg values.
// It is not safe for concurrent use; one goroutine drives Next.
type Aggregator struct {
	src    protocol.Source
	mode   Mode
	logger logging.Logger

	queue []core.EventMsg
	cur   core.EventMsg
	err   error
	done  bool

	buffers map[string]*buffer
	order   []string
	flushed map[string]struct{}
}

// New returns an Aggregator over src.
func New(src protocol.Source, mode Mode, optFns ...func(o *Options)) *Aggregator {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Aggregator{
		src:     src,
		mode:    mode,
		logger:  logging.OrNoOp(opts.Logger),
		buffers: map[string]*buffer{},
		flushed: map[string]struct{}{},
	}
}

// Next advances to the next event. It returns false when the response
// completed (Err is nil) or failed (Err is non-nil).
func (a *Aggregator) Next() bool {
	for len(a.queue) == 0 {
		if a.done {
			return false
		}
		if !a.src.Next() {
			a.done = true
			a.err = a.src.Err()
			if a.err == nil {
				a.err = core.ErrStreamClosed
			}
			continue
		}
		a.handle(a.src.Current())
	}
	a.cur, a.queue = a.queue[0], a.queue[1:]
	return true
}

// Current returns the event produced by the last successful Next.
func (a *Aggregator) Current() core.EventMsg { return a.cur }

// Err reports why the sequence ended.
func (a *Aggregator) Err() error { return a.err }

// Close closes the underlying source.
func (a *Aggregator) Close() error { return a.src.Close() }

func (a *Aggregator) emit(msg core.EventMsg) { a.queue = append(a.queue, msg) }

func (a *Aggregator) handle(rec protocol.Record) {
	switch r := rec.(type) {
	case protocol.Created:
		a.emit(core.Created{ResponseID: r.ResponseID})
	case protocol.Completed:
		if a.mode == ModeCollapsed {
			a.flushOpen()
		}
		a.emit(core.Completed{ResponseID: r.ResponseID, Usage: r.Usage})
		a.done = true
	case protocol.Failed:
		a.err = failedError(r)
		a.done = true
	default:
		if a.mode == ModeCollapsed {
			a.handleCollapsed(rec)
		} else {
			a.handleRaw(rec)
		}
	}
}

func (a *Aggregator) handleRaw(rec protocol.Record) {
	switch r := rec.(type) {
	case protocol.OutputTextDelta:
		a.emit(core.OutputTextDelta{ItemID: r.ItemID, Delta: r.Delta})
	case protocol.ReasoningSummaryDelta:
		a.emit(core.ReasoningDelta{ItemID: r.ItemID, Delta: r.Delta})
	case protocol.ReasoningContentDelta:
		a.emit(core.ReasoningDelta{ItemID: r.ItemID, Delta: r.Delta})
	case protocol.OutputItemDone:
		a.emit(core.OutputItemDone{Item: r.Item})
	}
}

func (a *Aggregator) handleCollapsed(rec protocol.Record) {
	switch r := rec.(type) {
	case protocol.OutputTextDelta:
		if b := a.bufferFor(r.ItemID, bufferText); b != nil {
			b.text.WriteString(r.Delta)
		}
	case protocol.ReasoningSummaryDelta:
		if r.SummaryIndex < 0 || r.SummaryIndex > protocol.MaxSummaryIndex {
			a.logger.Warn("Dropping reasoning delta with invalid summary index", "item_id", r.ItemID, "summary_index", r.SummaryIndex)
			return
		}
		if b := a.bufferFor(r.ItemID, bufferReasoning); b != nil {
			for len(b.summary) <= r.SummaryIndex {
				b.summary = append(b.summary, &strings.Builder{})
			}
			b.summary[r.SummaryIndex].WriteString(r.Delta)
		}
	case protocol.ReasoningContentDelta:
		if b := a.bufferFor(r.ItemID, bufferReasoning); b != nil {
			b.content.WriteString(r.Delta)
		}
	case protocol.ToolCallInputDelta:
		if b := a.bufferFor(r.ItemID, bufferToolInput); b != nil {
			b.callID = r.CallID
			b.text.WriteString(r.Delta)
		}
	case protocol.ToolCallInputDone:
		if b := a.bufferFor(r.ItemID, bufferToolInput); b != nil && b.text.Len() == 0 {
			b.callID = r.CallID
			b.text.WriteString(r.Input)
		}
	case protocol.OutputItemDone:
		a.flushItem(r.Item)
	}
}

// bufferFor returns the open buffer for id, creating it on first sight. It
// returns nil when id was already flushed.
func (a *Aggregator) bufferFor(id string, kind bufferKind) *buffer {
	if _, ok := a.flushed[id]; ok {
		a.logger.Debug("Dropping delta for flushed item", "item_id", id)
		return nil
	}
	b, ok := a.buffers[id]
	if !ok {
		b = &buffer{kind: kind}
		a.buffers[id] = b
		a.order = append(a.order, id)
	}
	return b
}

func (a *Aggregator) flushItem(item core.Item) {
	id := ItemID(item)
	if id != "" {
		if _, ok := a.flushed[id]; ok {
			a.logger.Debug("Ignoring duplicate item done", "item_id", id)
			return
		}
	}
	if b, ok := a.buffers[id]; ok {
		item = b.merge(item)
		a.forget(id)
	}
	if id != "" {
		a.flushed[id] = struct{}{}
	}
	a.emit(core.OutputItemDone{Item: item})
}

func (a *Aggregator) forget(id string) {
	delete(a.buffers, id)
	for i, o := range a.order {
		if o == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// flushOpen emits still-buffered items in first-seen order.
func (a *Aggregator) flushOpen() {
	for _, id := range a.order {
		b := a.buffers[id]
		switch b.kind {
		case bufferText:
			a.emit(core.OutputItemDone{Item: core.Message{
				ID:      id,
				Role:    "assistant",
				Content: []core.ContentItem{core.OutputText{Text: b.text.String()}},
			}})
		case bufferReasoning:
			a.emit(core.OutputItemDone{Item: b.merge(core.Reasoning{ID: id})})
		case bufferToolInput:
			a.logger.Warn("Discarding tool input without a completed call", "item_id", id, "call_id", b.callID)
			continue
		}
		a.flushed[id] = struct{}{}
	}
	a.buffers = map[string]*buffer{}
	a.order = nil
}

// merge replaces the inline content of item with the buffered deltas.
func (b *buffer) merge(item core.Item) core.Item {
	switch v := item.(type) {
	case core.Message:
		if b.kind != bufferText {
			return item
		}
		role := v.Role
		if role == "" {
			role = "assistant"
		}
		return core.Message{ID: v.ID, Role: role, Content: []core.ContentItem{core.OutputText{Text: b.text.String()}}}
	case core.Reasoning:
		if b.kind != bufferReasoning {
			return item
		}
		if len(b.summary) > 0 {
			v.Summary = make([]core.ReasoningPart, 0, len(b.summary))
			for _, part := range b.summary {
				v.Summary = append(v.Summary, core.SummaryText(part.String()))
			}
		}
		if b.content.Len() > 0 {
			v.Content = []core.ReasoningPart{core.ReasoningText(b.content.String())}
		}
		if v.Summary == nil {
			v.Summary = []core.ReasoningPart{}
		}
		return v
	case core.CustomToolCall:
		if b.kind != bufferToolInput {
			return item
		}
		v.Input = b.text.String()
		if v.CallID == "" {
			v.CallID = b.callID
		}
		return v
	default:
		return item
	}
}

// ItemID returns the server assigned id of item, if any.
func ItemID(item core.Item) string {
	switch v := item.(type) {
	case core.Message:
		return v.ID
	case core.Reasoning:
		return v.ID
	case core.FunctionCall:
		return v.ID
	case core.CustomToolCall:
		return v.ID
	case core.LocalShellCall:
		return v.ID
	case core.WebSearchCall:
		return v.ID
	default:
		return ""
	}
}

func failedError(f protocol.Failed) error {
	switch f.Code {
	case CodeUsageLimitReached:
		return &core.UsageLimitError{Code: f.Code, Message: f.Message}
	case CodeUsageNotIncluded:
		return &core.UsageLimitError{Code: f.Code, Message: f.Message, NotInPlan: true}
	default:
		return &core.StreamError{Message: f.Message, RetryAfter: f.RetryAfter}
	}
}
