// Package protocol decodes the model backend's incrementally delivered event
// stream into a closed set of typed records.
package protocol

import (
	"time"

	"github.com/hupe1980/codeagent/core"
)

// Record is one decoded wire record. The set is closed.
type Record interface {
	isRecord()
}

type (
	// Created is sent once when the backend accepted the request.
	Created struct {
		ResponseID string
	}

	// OutputTextDelta is a fragment of assistant text for ItemID.
	OutputTextDelta struct {
		ItemID string
		Delta  string
	}

	// ReasoningSummaryDelta is a fragment of a reasoning summary.
	ReasoningSummaryDelta struct {
		ItemID       string
		SummaryIndex int
		Delta        string
	}

	// ReasoningContentDelta is a fragment of raw reasoning text.
	ReasoningContentDelta struct {
		ItemID string
		Delta  string
	}

	// OutputItemAdded announces a new output item.
	OutputItemAdded struct {
		Item core.Item
	}

	// OutputItemDone carries a finished output item.
	OutputItemDone struct {
		Item core.Item
	}

	// ToolCallInputDelta is a fragment of a custom tool call's input.
	ToolCallInputDelta struct {
		ItemID string
		CallID string
		Delta  string
	}

	// ToolCallInputDone carries the complete input of a custom tool call.
	ToolCallInputDone struct {
		ItemID string
		CallID string
		Input  string
	}

	// Completed is the terminal record of a successful response.
	Completed struct {
		ResponseID string
		Usage      *core.TokenUsage
	}

	// Failed is the terminal record of a failed response.
	Failed struct {
		Code       string
		Message    string
		RetryAfter *time.Duration
	}
)

func (Created) isRecord()               {}
func (OutputTextDelta) isRecord()       {}
func (ReasoningSummaryDelta) isRecord() {}
func (ReasoningContentDelta) isRecord() {}
func (OutputItemAdded) isRecord()       {}
func (OutputItemDone) isRecord()        {}
func (ToolCallInputDelta) isRecord()    {}
func (ToolCallInputDone) isRecord()     {}
func (Completed) isRecord()             {}
func (Failed) isRecord()                {}

// IsTerminal reports whether r ends a response.
func IsTerminal(r Record) bool {
	switch r.(type) {
	case Completed, Failed:
		return true
	default:
		return false
	}
}
