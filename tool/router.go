package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/telemetry"
)

// LocalShellName is the tool name local shell calls are routed to. When no
// tool of that name is registered they fall back to ShellName.
const LocalShellName = "local_shell"

// RouterOptions configure a Router.
type RouterOptions struct {
	Logger  logging.Logger
	Metrics telemetry.Metrics
}

// Router maps model tool calls to registered tools.
type Router struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	logger  logging.Logger
	metrics telemetry.Metrics
}

// NewRouter creates a router holding tools.
func NewRouter(tools []Tool, optFns ...func(o *RouterOptions)) (*Router, error) {
	var opts RouterOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	r := &Router{
		tools:   map[string]Tool{},
		logger:  logging.OrNoOp(opts.Logger),
		metrics: telemetry.MetricsOrNoop(opts.Metrics),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique.
func (r *Router) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Lookup returns the tool registered under name.
func (r *Router) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the declarations of all tools in registration order.
func (r *Router) Specs() []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]model.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// IsToolCall reports whether item is a call the router can answer.
func IsToolCall(item core.Item) bool {
	switch item.(type) {
	case core.FunctionCall, core.CustomToolCall, core.LocalShellCall:
		return true
	default:
		return false
	}
}

// Dispatch runs the tool addressed by call and returns the output item for
// the model. Unknown tools and tool failures produce a failed output, not an
// error. The error is non-nil only when the turn must stop: the user aborted
// (ErrAborted, returned together with the output) or ctx was cancelled.
func (r *Router) Dispatch(ctx context.Context, env *Env, call core.Item) (core.Item, error) {
	inv := &Invocation{Env: env}
	custom := false
	switch c := call.(type) {
	case core.FunctionCall:
		inv.CallID, inv.Name, inv.Input = c.CallID, c.Name, c.Arguments
	case core.CustomToolCall:
		inv.CallID, inv.Name, inv.Input = c.CallID, c.Name, c.Input
		custom = true
	case core.LocalShellCall:
		inv.CallID, inv.Name = c.CallID, LocalShellName
		if inv.CallID == "" {
			inv.CallID = c.ID
		}
		action := c.Action
		inv.Shell = &action
	default:
		return nil, fmt.Errorf("not a tool call: %T", call)
	}

	output := func(res Result) core.Item {
		if custom {
			return core.CustomToolCallOutput{CallID: inv.CallID, Output: res.Content}
		}
		return core.FunctionCallOutput{CallID: inv.CallID, Output: core.FunctionCallOutputPayload{Content: res.Content, Success: res.Success}}
	}

	t, ok := r.Lookup(inv.Name)
	if !ok && inv.Shell != nil {
		t, ok = r.Lookup(ShellName)
	}
	if !ok {
		r.logger.Warn("Unsupported tool call", "tool_name", inv.Name, "call_id", inv.CallID)
		r.metrics.IncCounter(ctx, telemetry.MetricToolCalls, 1, "tool", inv.Name, "outcome", "unsupported")
		return output(Failed(fmt.Sprintf("unsupported call: %s", inv.Name))), nil
	}

	start := time.Now()
	res, err := t.Handle(ctx, inv)
	dur := time.Since(start)

	switch {
	case errors.Is(err, ErrAborted):
		r.logger.Info("Tool call aborted", "tool_name", inv.Name, "call_id", inv.CallID)
		r.metrics.IncCounter(ctx, telemetry.MetricToolCalls, 1, "tool", inv.Name, "outcome", "aborted")
		if res.Content == "" {
			res = Failed(ErrAborted.Error())
		}
		return output(res), ErrAborted
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		r.logger.Error("Tool execution failed", "tool_name", inv.Name, "call_id", inv.CallID, "duration", dur, "error", err.Error())
		r.metrics.IncCounter(ctx, telemetry.MetricToolCalls, 1, "tool", inv.Name, "outcome", "error")
		return output(Failed(err.Error())), nil
	}

	outcome := "success"
	if res.Success != nil && !*res.Success {
		outcome = "failure"
	}
	r.logger.Info("Tool execution completed", "tool_name", inv.Name, "call_id", inv.CallID, "duration", dur, "outcome", outcome)
	r.metrics.IncCounter(ctx, telemetry.MetricToolCalls, 1, "tool", inv.Name, "outcome", outcome)
	return output(res), nil
}
