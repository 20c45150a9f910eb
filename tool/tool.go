// Package tool dispatches model tool calls (function, custom and local shell
// calls) to registered tools. Side-effecting tools ask the approval
// coordinator before they run and report progress as domain events.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/codeagent/approval"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/internal/util"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/session"
)

// Tool is a capability the model can call.
//
// Handle receives the raw call input (JSON arguments for function tools,
// free-form text for custom tools) and returns the text sent back to the
// model. A returned error is reported to the model as a failed call, except
// ErrAborted which also ends the turn.
type Tool interface {
	Name() string
	Description() string
	Spec() model.ToolSpec
	Handle(ctx context.Context, inv *Invocation) (Result, error)
}

// Result is the output of a tool call.
type Result struct {
	Content string
	// Success is nil when the tool does not report an outcome.
	Success *bool
}

// Succeeded returns a Result marked successful.
func Succeeded(content string) Result {
	ok := true
	return Result{Content: content, Success: &ok}
}

// Failed returns a Result marked failed.
func Failed(content string) Result {
	ok := false
	return Result{Content: content, Success: &ok}
}

// Approver asks the user to review a side-effecting call. It is satisfied by
// *approval.Coordinator.
type Approver interface {
	Request(ctx context.Context, req approval.Request, notify approval.Notifier) <-chan core.ReviewDecision
}

// Env is shared by every call of one turn.
type Env struct {
	SubmissionID string
	TurnID       string
	Turn         core.TurnContext
	Session      *session.Session
	Approver     Approver
	// Emit forwards an event to the conversation's event queue.
	Emit   func(ctx context.Context, msg core.EventMsg) error
	Logger logging.Logger
}

// Invocation is a single tool call.
type Invocation struct {
	*Env
	CallID string
	Name   string
	Input  string
	// Shell is set for local shell calls, whose arguments arrive structured.
	Shell *core.LocalShellAction
}

func (inv *Invocation) emit(ctx context.Context, msg core.EventMsg) error {
	if inv.Env == nil || inv.Emit == nil {
		return nil
	}
	return inv.Emit(ctx, msg)
}

func (inv *Invocation) logger() logging.Logger {
	if inv.Env == nil {
		return logging.NoOpLogger{}
	}
	return logging.OrNoOp(inv.Logger)
}

// review asks the approver for a decision. Without an approver every request
// is denied.
func (inv *Invocation) review(ctx context.Context, kind approval.Kind, request core.EventMsg) core.ReviewDecision {
	if inv.Env == nil || inv.Approver == nil {
		return core.DecisionDenied
	}
	notify := func(ctx context.Context) error { return inv.emit(ctx, request) }
	ch := inv.Approver.Request(ctx, approval.Request{CallID: inv.CallID, TurnID: inv.TurnID, Kind: kind}, notify)
	select {
	case d := <-ch:
		return d
	case <-ctx.Done():
		return core.DecisionAbort
	}
}

// ErrAborted is returned when the user aborted a call. The turn ends.
var ErrAborted = errors.New("tool call aborted by user")

// ValidationError represents parameter validation errors.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeRejected   = "REJECTED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
