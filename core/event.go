package core

import (
	"encoding/json"
	"time"
)

// Event is the unit delivered to clients on a conversation's outbound queue.
// ID correlates the event with the submission that caused it; SessionID with
// the owning conversation. After emission it should be treated as immutable.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Msg       EventMsg  `json:"msg"`
}

// NewEvent stamps msg with correlation ids and the current UTC time.
func NewEvent(submissionID, sessionID string, msg EventMsg) Event {
	return Event{ID: submissionID, SessionID: sessionID, Timestamp: time.Now().UTC(), Msg: msg}
}

// MarshalJSON renders the message with its "type" tag.
func (e Event) MarshalJSON() ([]byte, error) {
	msg, err := marshalTagged(e.Msg.Kind(), e.Msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID        string          `json:"id"`
		SessionID string          `json:"session_id"`
		Timestamp time.Time       `json:"timestamp"`
		Msg       json.RawMessage `json:"msg"`
	}{e.ID, e.SessionID, e.Timestamp, msg})
}

// EventMsg is the closed set of domain event payloads.
type EventMsg interface {
	isEventMsg()
	// Kind returns the stable snake_case name of the event.
	Kind() string
}

// TokenUsage reports token accounting for a completed response.
type TokenUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens"`
	ReasoningTokens   int64 `json:"reasoning_output_tokens,omitempty"`
	TotalTokens       int64 `json:"total_tokens"`
}

// Created signals that the backend accepted the request.
type Created struct {
	ResponseID string `json:"response_id,omitempty"`
}

// OutputTextDelta is an incremental fragment of assistant text.
type OutputTextDelta struct {
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta"`
}

// ReasoningDelta is an incremental fragment of reasoning text.
type ReasoningDelta struct {
	ItemID string `json:"item_id,omitempty"`
	Delta  string `json:"delta"`
}

// OutputItemDone carries a completed conversation item.
type OutputItemDone struct {
	Item Item `json:"item"`
}

// Completed marks the end of one model response.
type Completed struct {
	ResponseID string      `json:"response_id"`
	Usage      *TokenUsage `json:"usage,omitempty"`
}

// SessionConfigured is always the first event of a conversation.
type SessionConfigured struct {
	SessionID   string `json:"session_id"`
	Model       string `json:"model"`
	HistoryLen  int    `json:"history_len"`
	RolloutPath string `json:"rollout_path,omitempty"`
}

// TaskStarted marks the beginning of a turn.
type TaskStarted struct{}

// ExecApprovalRequest asks the client to approve a shell command.
type ExecApprovalRequest struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  string   `json:"reason,omitempty"`
}

// ApplyPatchApprovalRequest asks the client to approve file changes.
type ApplyPatchApprovalRequest struct {
	CallID    string                `json:"call_id"`
	Reason    string                `json:"reason,omitempty"`
	GrantRoot string                `json:"grant_root,omitempty"`
	Changes   map[string]FileChange `json:"changes"`
}

// ExecCommandBegin is emitted right before a shell command starts.
type ExecCommandBegin struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
}

// ExecCommandEnd is emitted after a shell command finished.
type ExecCommandEnd struct {
	CallID   string        `json:"call_id"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// PatchApplyBegin is emitted right before a patch is applied.
type PatchApplyBegin struct {
	CallID       string                `json:"call_id"`
	AutoApproved bool                  `json:"auto_approved"`
	Changes      map[string]FileChange `json:"changes"`
}

// PatchApplyEnd is emitted after a patch was applied (or failed to).
type PatchApplyEnd struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

// StreamRetry reports that a failed model stream is being retried.
type StreamRetry struct {
	Attempt int           `json:"attempt"`
	Max     int           `json:"max"`
	Delay   time.Duration `json:"delay"`
	Message string        `json:"message"`
}

// TaskComplete ends a turn normally.
type TaskComplete struct {
	LastAgentMessage string `json:"last_agent_message,omitempty"`
}

// TurnInterrupted ends a turn that was aborted.
type TurnInterrupted struct {
	Reason string `json:"reason"`
}

// Error reports a failure with a stable kind.
type Error struct {
	ErrKind ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ConversationHistory answers a GetHistory submission.
type ConversationHistory struct {
	ConversationID string `json:"conversation_id"`
	Entries        []Item `json:"entries"`
}

// ShutdownComplete is the last event of a conversation.
type ShutdownComplete struct{}

func (Created) isEventMsg()                   {}
func (OutputTextDelta) isEventMsg()           {}
func (ReasoningDelta) isEventMsg()            {}
func (OutputItemDone) isEventMsg()            {}
func (Completed) isEventMsg()                 {}
func (SessionConfigured) isEventMsg()         {}
func (TaskStarted) isEventMsg()               {}
func (ExecApprovalRequest) isEventMsg()       {}
func (ApplyPatchApprovalRequest) isEventMsg() {}
func (ExecCommandBegin) isEventMsg()          {}
func (ExecCommandEnd) isEventMsg()            {}
func (PatchApplyBegin) isEventMsg()           {}
func (PatchApplyEnd) isEventMsg()             {}
func (StreamRetry) isEventMsg()               {}
func (TaskComplete) isEventMsg()              {}
func (TurnInterrupted) isEventMsg()           {}
func (Error) isEventMsg()                     {}
func (ConversationHistory) isEventMsg()       {}
func (ShutdownComplete) isEventMsg()          {}

func (Created) Kind() string                   { return "created" }
func (OutputTextDelta) Kind() string           { return "output_text_delta" }
func (ReasoningDelta) Kind() string            { return "reasoning_delta" }
func (OutputItemDone) Kind() string            { return "output_item_done" }
func (Completed) Kind() string                 { return "completed" }
func (SessionConfigured) Kind() string         { return "session_configured" }
func (TaskStarted) Kind() string               { return "task_started" }
func (ExecApprovalRequest) Kind() string       { return "exec_approval_request" }
func (ApplyPatchApprovalRequest) Kind() string { return "apply_patch_approval_request" }
func (ExecCommandBegin) Kind() string          { return "exec_command_begin" }
func (ExecCommandEnd) Kind() string            { return "exec_command_end" }
func (PatchApplyBegin) Kind() string           { return "patch_apply_begin" }
func (PatchApplyEnd) Kind() string             { return "patch_apply_end" }
func (StreamRetry) Kind() string               { return "stream_retry" }
func (TaskComplete) Kind() string              { return "task_complete" }
func (TurnInterrupted) Kind() string           { return "turn_interrupted" }
func (Error) Kind() string                     { return "error" }
func (ConversationHistory) Kind() string       { return "conversation_history" }
func (ShutdownComplete) Kind() string          { return "shutdown_complete" }

// marshalTagged encodes v as a JSON object and injects a "type" field.
func marshalTagged(tag string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	t, _ := json.Marshal(tag)
	fields["type"] = t
	return json.Marshal(fields)
}
