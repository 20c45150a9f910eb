package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
)

// CallbackType defines the lifecycle points where callbacks run.
//
// Callbacks hook into a turn without changing the engine:
//   - BeforeModel/AfterModel: around one sampling round
//   - BeforeTool/AfterTool: around each tool call
//   - OnError: when a turn fails
//   - TurnEnd: after a turn was completed, before its event is sent
//
// Callbacks run synchronously on the turn task. An error from a Before
// callback cancels the operation it guards: BeforeModel fails the turn,
// BeforeTool answers the call with the error text instead of running it.
type CallbackType string

const (
	// CallbackBeforeModel runs before the prompt is sent. Callbacks may
	// modify the prompt.
	CallbackBeforeModel CallbackType = "before_model"

	// CallbackAfterModel runs after a response completed, before its items
	// are recorded.
	CallbackAfterModel CallbackType = "after_model"

	// CallbackBeforeTool runs before a tool call is dispatched.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool runs after a tool produced its output.
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackOnError runs when a turn ends with an error.
	CallbackOnError CallbackType = "on_error"

	// CallbackTurnEnd runs once per turn with the completion event.
	CallbackTurnEnd CallbackType = "turn_end"
)

// CallbackContext carries what a callback may inspect. Only the fields that
// apply to the callback type are set.
type CallbackContext struct {
	SessionID string
	TurnID    string

	// Prompt is the request about to be sent (BeforeModel, AfterModel).
	Prompt *model.Prompt

	// Items are the completed response items (AfterModel).
	Items []core.Item

	// Call is the tool call (BeforeTool, AfterTool); Output its result.
	Call   core.Item
	Output core.Item

	// Event is the completion event (TurnEnd).
	Event core.EventMsg

	Err error
}

// Callback is a lifecycle hook.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic.
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback.
//
// Example:
//
//	audit := NewFunctionCallback(CallbackBeforeTool,
//	    func(ctx context.Context, cbCtx *CallbackContext) error {
//	        log.Printf("tool call: %v", cbCtx.Call)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, cbCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	return c.fn(ctx, cbCtx)
}

// CallbackManager is a registry of callbacks keyed by type.
//
// Callbacks run in registration order; the first error stops the chain.
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager(callbacks ...Callback) *CallbackManager {
	cm := &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
	for _, cb := range callbacks {
		cm.Register(cb)
	}
	return cm
}

// Register adds a callback for its type.
func (cm *CallbackManager) Register(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	t := callback.Type()
	cm.callbacks[t] = append(cm.callbacks[t], callback)
}

// Execute runs every callback registered for callbackType.
func (cm *CallbackManager) Execute(ctx context.Context, callbackType CallbackType, cbCtx *CallbackContext) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, cbCtx); err != nil {
			return err
		}
	}
	return nil
}

// LoggingCallback logs lifecycle points at debug level.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logging.OrNoOp(logger),
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle point with the ids and whatever payload is set.
func (c *LoggingCallback) Execute(_ context.Context, cbCtx *CallbackContext) error {
	args := []any{"callback", string(c.callbackType), "session_id", cbCtx.SessionID, "turn_id", cbCtx.TurnID}
	if cbCtx.Prompt != nil {
		args = append(args, "input_items", len(cbCtx.Prompt.Input), "tools", len(cbCtx.Prompt.Tools))
	}
	if cbCtx.Items != nil {
		args = append(args, "items", len(cbCtx.Items))
	}
	if cbCtx.Call != nil {
		args = append(args, "call", cbCtx.Call.ItemType())
	}
	if cbCtx.Event != nil {
		args = append(args, "event", cbCtx.Event.Kind())
	}
	if cbCtx.Err != nil {
		args = append(args, "error", cbCtx.Err.Error())
	}
	c.logger.Debug("Engine callback", args...)
	return nil
}
