package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/codeagent/aggregate"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/internal/util"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/session"
	"github.com/hupe1980/codeagent/telemetry"
	"github.com/hupe1980/codeagent/tool"
)

// Rollout markers persisted when a turn ends.
const (
	MarkerTaskComplete    = "task_complete"
	MarkerTurnInterrupted = "turn_interrupted"
)

type turn struct {
	id     string
	subID  string
	tc     core.TurnContext
	cancel context.CancelFunc
	start  time.Time
	done   chan struct{}
	once   sync.Once
	calls  *callLimiter

	mu      sync.Mutex
	pending []core.Item
}

func newTurn(subID string, tc core.TurnContext, cancel context.CancelFunc, maxCalls int) *turn {
	return &turn{
		id:     core.NewID(),
		subID:  subID,
		tc:     tc,
		cancel: cancel,
		start:  time.Now(),
		done:   make(chan struct{}),
		calls:  newCallLimiter(maxCalls),
	}
}

func (t *turn) inject(item core.Item) {
	t.mu.Lock()
	t.pending = append(t.pending, item)
	t.mu.Unlock()
}

func (t *turn) takePending() []core.Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}

func (t *turn) hasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// errTurnAborted ends a turn after the user answered Abort.
var errTurnAborted = errors.New("turn aborted by user")

// runTurn samples the model until no tool output or injected input needs a
// follow-up. A cancelled turn returns without completing itself; the
// canceller owns the completion.
func (c *Conversation) runTurn(ctx context.Context, t *turn, input core.Item) {
	defer close(t.done)

	ctx, span := c.opts.Tracer.Start(ctx, "codeagent.turn",
		"session_id", c.sess.ID(), "turn_id", t.id, "model", c.modelName())
	logger := c.opts.Logger
	logger.Info("Turn started", "session_id", c.sess.ID(), "turn_id", t.id)

	if err := c.emit(ctx, t.subID, core.TaskStarted{}); err != nil {
		telemetry.EndSpan(span, err)
		return
	}
	c.record(input)

	env := &tool.Env{
		SubmissionID: t.subID,
		TurnID:       t.id,
		Turn:         t.tc,
		Session:      c.sess,
		Approver:     c.opts.Approvals,
		Emit: func(ctx context.Context, msg core.EventMsg) error {
			return c.emit(ctx, t.subID, msg)
		},
		Logger: logger,
	}

	var produced []core.Item
	for {
		c.record(t.takePending()...)

		items, err := c.sample(ctx, t, env)
		produced = append(produced, items...)
		if err != nil {
			telemetry.EndSpan(span, err)
			if ctx.Err() != nil {
				logger.Debug("Turn task stopped", "session_id", c.sess.ID(), "turn_id", t.id, "error", err.Error())
				return
			}
			if errors.Is(err, errTurnAborted) {
				c.finish(t, core.TurnInterrupted{Reason: "aborted"}, nil)
				return
			}
			logger.Error("Turn failed", "session_id", c.sess.ID(), "turn_id", t.id, "error", err.Error())
			_ = c.opts.Callbacks.Execute(ctx, CallbackOnError, &CallbackContext{SessionID: c.sess.ID(), TurnID: t.id, Err: err})
			c.finish(t, core.Error{ErrKind: core.KindOf(err), Message: err.Error()}, err)
			return
		}
		if !needsFollowUp(items) && !t.hasPending() {
			break
		}
	}

	telemetry.EndSpan(span, nil)
	c.finish(t, core.TaskComplete{LastAgentMessage: session.LastAssistantMessage(produced)}, nil)
}

func needsFollowUp(items []core.Item) bool {
	for _, it := range items {
		switch it.(type) {
		case core.FunctionCallOutput, core.CustomToolCallOutput:
			return true
		}
	}
	return false
}

// sample runs one model round with stream retries, records the produced
// items and dispatches tool calls. It returns the model items followed by
// the tool outputs.
func (c *Conversation) sample(ctx context.Context, t *turn, env *tool.Env) ([]core.Item, error) {
	if err := t.calls.increment(); err != nil {
		return nil, err
	}
	prompt := model.Prompt{
		Instructions: c.instructions(t.tc),
		Input:        c.sess.History().Snapshot(),
		Tools:        c.opts.Router.Specs(),
	}
	cbCtx := &CallbackContext{SessionID: c.sess.ID(), TurnID: t.id, Prompt: &prompt}
	if err := c.opts.Callbacks.Execute(ctx, CallbackBeforeModel, cbCtx); err != nil {
		return nil, err
	}

	policy := c.opts.StreamRetry
	var items []core.Item
	for attempt := 1; ; attempt++ {
		start := time.Now()
		out, err := c.stream(ctx, t, prompt)
		if err == nil {
			c.opts.Logger.Debug("Model round completed",
				"session_id", c.sess.ID(), "turn_id", t.id, "attempt", attempt, "duration", time.Since(start),
				"remaining_calls", t.calls.remaining())
			items = out
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !core.IsRetryable(err) {
			return nil, err
		}
		if attempt > policy.MaxRetries {
			return nil, &core.RetryLimitError{Attempts: attempt, Err: err}
		}
		var retryAfter *time.Duration
		var se *core.StreamError
		if errors.As(err, &se) {
			retryAfter = se.RetryAfter
		}
		delay := policy.Delay(attempt, retryAfter)
		c.opts.Logger.Warn("Stream failed, retrying",
			"session_id", c.sess.ID(), "turn_id", t.id, "attempt", attempt, "delay", delay, "error", err.Error())
		c.opts.Metrics.IncCounter(ctx, telemetry.MetricStreamRetries, 1)
		if err := c.emit(ctx, t.subID, core.StreamRetry{
			Attempt: attempt,
			Max:     policy.MaxRetries,
			Delay:   delay,
			Message: err.Error(),
		}); err != nil {
			return nil, err
		}
		if err := model.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	cbCtx.Items = items
	if err := c.opts.Callbacks.Execute(ctx, CallbackAfterModel, cbCtx); err != nil {
		return nil, err
	}
	c.record(items...)

	var outputs []core.Item
	for _, it := range items {
		if !tool.IsToolCall(it) {
			continue
		}
		out, err := c.callTool(ctx, t, env, it)
		if out != nil {
			c.record(out)
			outputs = append(outputs, out)
		}
		if err != nil {
			if errors.Is(err, tool.ErrAborted) {
				return append(items, outputs...), errTurnAborted
			}
			return append(items, outputs...), err
		}
	}
	return append(items, outputs...), nil
}

// stream forwards one model response to the client and returns the
// completed items.
func (c *Conversation) stream(ctx context.Context, t *turn, prompt model.Prompt) ([]core.Item, error) {
	src, err := c.opts.Client.Stream(ctx, prompt)
	if err != nil {
		return nil, err
	}
	agg := aggregate.New(src, c.opts.Aggregation, func(o *aggregate.Options) { o.Logger = c.opts.Logger })
	defer agg.Close()

	var items []core.Item
	completed := false
	for agg.Next() {
		msg := agg.Current()
		if err := c.emit(ctx, t.subID, msg); err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case core.OutputItemDone:
			items = append(items, m.Item)
		case core.Completed:
			completed = true
			if m.Usage != nil {
				c.opts.Logger.Debug("Token usage", "session_id", c.sess.ID(), "turn_id", t.id,
					"input_tokens", m.Usage.InputTokens, "output_tokens", m.Usage.OutputTokens)
			}
		}
	}
	if err := agg.Err(); err != nil {
		if ctx.Err() != nil {
			c.opts.Logger.Debug("Stream ended by cancellation", "session_id", c.sess.ID(), "turn_id", t.id)
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !completed {
		return nil, core.ErrStreamClosed
	}
	return items, nil
}

func (c *Conversation) callTool(ctx context.Context, t *turn, env *tool.Env, call core.Item) (core.Item, error) {
	cbCtx := &CallbackContext{SessionID: c.sess.ID(), TurnID: t.id, Call: call}
	if err := c.opts.Callbacks.Execute(ctx, CallbackBeforeTool, cbCtx); err != nil {
		return rejectedOutput(call, err), nil
	}
	out, err := c.opts.Router.Dispatch(ctx, env, call)
	if out != nil {
		cbCtx.Output = out
		cbCtx.Err = err
		if cerr := c.opts.Callbacks.Execute(ctx, CallbackAfterTool, cbCtx); cerr != nil {
			c.opts.Logger.Warn("After tool callback failed", "session_id", c.sess.ID(), "error", cerr.Error())
		}
	}
	return out, err
}

func rejectedOutput(call core.Item, err error) core.Item {
	ok := false
	switch v := call.(type) {
	case core.CustomToolCall:
		return core.CustomToolCallOutput{CallID: v.CallID, Output: err.Error()}
	case core.FunctionCall:
		return core.FunctionCallOutput{CallID: v.CallID, Output: core.FunctionCallOutputPayload{Content: err.Error(), Success: &ok}}
	case core.LocalShellCall:
		id := v.CallID
		if id == "" {
			id = v.ID
		}
		return core.FunctionCallOutput{CallID: id, Output: core.FunctionCallOutputPayload{Content: err.Error(), Success: &ok}}
	default:
		return nil
	}
}

type instructionData struct {
	Cwd            string
	ApprovalPolicy string
	SandboxMode    string
}

func (c *Conversation) instructions(tc core.TurnContext) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{tc.BaseInstructions, tc.UserInstructions} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	text := strings.Join(parts, "\n\n")
	out, err := util.RenderTemplate(text, instructionData{
		Cwd:            tc.Cwd,
		ApprovalPolicy: string(tc.ApprovalPolicy),
		SandboxMode:    string(tc.SandboxPolicy.Mode),
	})
	if err != nil {
		c.opts.Logger.Warn("Failed to render instructions", "session_id", c.sess.ID(), "error", err.Error())
		return text
	}
	return out
}

// finish completes t exactly once: deregister, trim, persist, then send.
func (c *Conversation) finish(t *turn, msg core.EventMsg, cause error) {
	t.once.Do(func() {
		c.mu.Lock()
		if c.active == t {
			c.active = nil
		}
		c.mu.Unlock()

		trimmed := false
		if n := c.opts.KeepLastMessages; n > 0 {
			c.sess.History().KeepLastMessages(n)
			trimmed = true
		}

		if rec := c.opts.Recorder; rec != nil {
			var lines []core.RolloutLine
			if trimmed {
				lines = append(lines, core.SnapshotLine(c.sess.History().Snapshot()))
			}
			switch msg.(type) {
			case core.TaskComplete:
				lines = append(lines, core.EventLine(MarkerTaskComplete))
			case core.TurnInterrupted:
				lines = append(lines, core.EventLine(MarkerTurnInterrupted))
			}
			if err := rec.Record(c.ctx, lines...); err != nil {
				c.opts.Logger.Warn("Failed to record turn end", "session_id", c.sess.ID(), "error", err.Error())
			} else if err := rec.Flush(c.ctx); err != nil {
				c.opts.Logger.Warn("Failed to flush rollout", "session_id", c.sess.ID(), "error", err.Error())
			}
		}

		outcome := "completed"
		switch msg.(type) {
		case core.TurnInterrupted:
			outcome = "interrupted"
		case core.Error:
			outcome = "error"
		}
		c.opts.Metrics.IncCounter(c.ctx, telemetry.MetricTurns, 1, "outcome", outcome)
		c.opts.Metrics.RecordTimer(c.ctx, telemetry.MetricTurnDuration, time.Since(t.start), "outcome", outcome)
		_ = c.opts.Callbacks.Execute(c.ctx, CallbackTurnEnd, &CallbackContext{
			SessionID: c.sess.ID(), TurnID: t.id, Event: msg, Err: cause,
		})

		if err := c.emit(c.ctx, t.subID, msg); err != nil {
			c.opts.Logger.Warn("Failed to send turn completion", "session_id", c.sess.ID(), "error", err.Error())
		}
		c.opts.Logger.Info("Turn finished", "session_id", c.sess.ID(), "turn_id", t.id, "outcome", outcome,
			"duration", time.Since(t.start))
	})
}
