package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/codeagent/aggregate"
	"github.com/hupe1980/codeagent/approval"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/rollout"
	"github.com/hupe1980/codeagent/session"
	"github.com/hupe1980/codeagent/telemetry"
	"github.com/hupe1980/codeagent/tool"
)

// DefaultEventBuffer is the capacity of the outbound event queue.
const DefaultEventBuffer = 256

// State is the scheduling state of a conversation.
type State int

const (
	// StateIdle means no turn is running.
	StateIdle State = iota
	// StateTurnActive means a turn task owns the conversation.
	StateTurnActive
)

// String implements fmt.Stringer.
func (s State) String() string {
	if s == StateTurnActive {
		return "turn_active"
	}
	return "idle"
}

// Options configures a Conversation.
//
// Client is required. Every other field has a working default: a router with
// the shell and apply_patch tools, a private approval coordinator, raw
// aggregation, the default stream retry policy and no persistence.
type Options struct {
	// Client samples the model.
	Client model.Client

	// Router dispatches tool calls. Defaults to shell + apply_patch.
	Router *tool.Router

	// Approvals coordinates user review of side-effecting calls.
	Approvals *approval.Coordinator

	// Recorder persists the transcript. Nil disables persistence.
	Recorder *rollout.Recorder

	// RolloutPath is reported in SessionConfigured.
	RolloutPath string

	// Aggregation selects raw or collapsed event delivery.
	Aggregation aggregate.Mode

	// StreamRetry bounds reconnects of a failed stream.
	StreamRetry model.RetryPolicy

	// KeepLastMessages trims history after every turn. Zero disables trimming.
	KeepLastMessages int

	// MaxModelCalls caps the sampling rounds of one turn. Zero is unlimited.
	MaxModelCalls int

	// EventBuffer is the capacity of the outbound queue.
	EventBuffer int

	// Callbacks run around model and tool calls.
	Callbacks *CallbackManager

	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Conversation drives one session: it accepts submissions, runs at most one
// turn at a time and delivers events in the order they are produced.
//
// The submission loop runs on its own goroutine and never blocks on a turn;
// turns and approval waits are independent tasks.
type Conversation struct {
	sess *session.Session
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	subs     chan core.Submission
	events   chan core.Event
	closing  chan struct{}
	loopDone chan struct{}

	emitMu sync.RWMutex
	closed bool

	mu     sync.Mutex
	active *turn
	last   *turn

	lastActivity atomic.Int64
}

// New starts the submission loop for sess. The first event is always
// SessionConfigured.
func New(sess *session.Session, optFns ...func(o *Options)) (*Conversation, error) {
	if sess == nil {
		return nil, errors.New("session is required")
	}
	opts := Options{
		StreamRetry: model.RetryPolicy{MaxRetries: model.DefaultStreamMaxRetries, Backoff: model.DefaultBackoff()},
		EventBuffer: DefaultEventBuffer,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	opts.Metrics = telemetry.MetricsOrNoop(opts.Metrics)
	opts.Tracer = telemetry.TracerOrNoop(opts.Tracer)
	if opts.Router == nil {
		r, err := tool.NewRouter([]tool.Tool{tool.NewShell(), tool.NewApplyPatch()}, func(o *tool.RouterOptions) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
		if err != nil {
			return nil, fmt.Errorf("default router: %w", err)
		}
		opts.Router = r
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.New(func(o *approval.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		sess:     sess,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(chan core.Submission, 64),
		events:   make(chan core.Event, opts.EventBuffer),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	c.touch()
	go c.loop()
	return c, nil
}

// ID returns the session id.
func (c *Conversation) ID() string { return c.sess.ID() }

// Session returns the underlying session.
func (c *Conversation) Session() *session.Session { return c.sess }

// State reports whether a turn is running.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return StateTurnActive
	}
	return StateIdle
}

// LastActivity is the time of the last submission or event.
func (c *Conversation) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conversation) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// Submit enqueues op and returns its submission id.
func (c *Conversation) Submit(ctx context.Context, op core.Op) (string, error) {
	if op == nil {
		return "", errors.New("op is required")
	}
	sub := core.Submission{ID: core.NewID(), Op: op}
	select {
	case <-c.loopDone:
		return "", core.ErrShutdown
	default:
	}
	select {
	case c.subs <- sub:
		c.touch()
		return sub.ID, nil
	case <-c.loopDone:
		return "", core.ErrShutdown
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NextEvent blocks until the next event is available. After
// ShutdownComplete it returns core.ErrShutdown.
func (c *Conversation) NextEvent(ctx context.Context) (core.Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return core.Event{}, core.ErrShutdown
		}
		return ev, nil
	case <-ctx.Done():
		return core.Event{}, ctx.Err()
	}
}

// Events exposes the outbound queue. It is closed after ShutdownComplete.
func (c *Conversation) Events() <-chan core.Event { return c.events }

// Close submits Shutdown and waits for the loop to exit. Events still
// queued are discarded.
func (c *Conversation) Close(ctx context.Context) error {
	if _, err := c.Submit(ctx, core.Shutdown{}); err != nil && !errors.Is(err, core.ErrShutdown) {
		return err
	}
	for {
		select {
		case <-c.loopDone:
			return nil
		case _, ok := <-c.events:
			if !ok {
				<-c.loopDone
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once the submission loop has exited.
func (c *Conversation) Done() <-chan struct{} { return c.loopDone }

func (c *Conversation) loop() {
	defer close(c.loopDone)
	defer c.cancel()

	logger := c.opts.Logger
	_ = c.emit(c.ctx, "", core.SessionConfigured{
		SessionID:   c.sess.ID(),
		Model:       c.modelName(),
		HistoryLen:  c.sess.History().Len(),
		RolloutPath: c.opts.RolloutPath,
	})

	for sub := range c.subs {
		switch op := sub.Op.(type) {
		case core.UserInput:
			c.handleInput(sub.ID, op)
		case core.ExecApproval:
			c.resolve(op.ID, op.Decision)
		case core.PatchApproval:
			c.resolve(op.ID, op.Decision)
		case core.Interrupt:
			if !c.interrupt("interrupted") {
				logger.Debug("Interrupt without active turn", "session_id", c.sess.ID())
			}
		case core.GetHistory:
			_ = c.emit(c.ctx, sub.ID, core.ConversationHistory{
				ConversationID: c.sess.ID(),
				Entries:        c.sess.History().Snapshot(),
			})
		case core.OverrideTurnContext:
			c.sess.SetTurnContext(c.sess.TurnContext().Apply(op))
		case core.Shutdown:
			c.shutdown(sub.ID)
			return
		default:
			logger.Warn("Unsupported submission", "session_id", c.sess.ID(), "op", fmt.Sprintf("%T", op))
		}
	}
}

func (c *Conversation) modelName() string {
	if m := c.sess.TurnContext().Model; m != "" {
		return m
	}
	return c.opts.Client.Info().Name
}

func (c *Conversation) handleInput(subID string, in core.UserInput) {
	msg := in.Message()
	c.mu.Lock()
	if t := c.active; t != nil {
		c.mu.Unlock()
		t.inject(msg)
		c.opts.Logger.Debug("Input injected into running turn", "session_id", c.sess.ID(), "turn_id", t.id)
		return
	}
	prev := c.last
	c.mu.Unlock()

	// the previous turn finishes (and sends its completion) before the next starts
	if prev != nil {
		<-prev.done
	}

	ctx, cancel := context.WithCancel(c.ctx)
	t := newTurn(subID, c.sess.TurnContext(), cancel, c.opts.MaxModelCalls)
	c.mu.Lock()
	c.active = t
	c.last = t
	c.mu.Unlock()

	go c.runTurn(ctx, t, msg)
}

func (c *Conversation) resolve(callID string, decision core.ReviewDecision) {
	if !c.opts.Approvals.Resolve(callID, decision) {
		c.opts.Logger.Debug("Approval for unknown call", "session_id", c.sess.ID(), "call_id", callID)
	}
}

// interrupt cancels the active turn, aborts its approvals, waits for the turn
// task to exit and then completes the turn as interrupted.
func (c *Conversation) interrupt(reason string) bool {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t == nil {
		return false
	}
	t.cancel()
	n := c.opts.Approvals.AbortTurn(t.id, core.DecisionAbort)
	<-t.done
	c.opts.Logger.Info("Turn interrupted", "session_id", c.sess.ID(), "turn_id", t.id, "aborted_approvals", n)
	c.finish(t, core.TurnInterrupted{Reason: reason}, nil)
	return true
}

func (c *Conversation) shutdown(subID string) {
	c.interrupt("shutdown")
	c.opts.Approvals.AbortAll(core.DecisionAbort)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.opts.Approvals.Wait(ctx); err != nil {
		c.opts.Logger.Warn("Approval waiters did not exit", "session_id", c.sess.ID(), "error", err.Error())
	}
	if rec := c.opts.Recorder; rec != nil {
		if err := rec.Shutdown(ctx); err != nil {
			c.opts.Logger.Error("Failed to flush rollout", "session_id", c.sess.ID(), "error", err.Error())
		}
	}

	_ = c.emit(c.ctx, subID, core.ShutdownComplete{})

	close(c.closing)
	c.emitMu.Lock()
	c.closed = true
	close(c.events)
	c.emitMu.Unlock()
	c.opts.Logger.Debug("Conversation shut down", "session_id", c.sess.ID())
}

// emit delivers msg to the outbound queue, preserving production order.
func (c *Conversation) emit(ctx context.Context, subID string, msg core.EventMsg) error {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.closed {
		return core.ErrShutdown
	}
	ev := core.NewEvent(subID, c.sess.ID(), msg)
	select {
	case c.events <- ev:
		c.touch()
		return nil
	case <-c.closing:
		return core.ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record appends items to history and the rollout.
func (c *Conversation) record(items ...core.Item) {
	if len(items) == 0 {
		return
	}
	c.sess.History().Append(items...)
	if rec := c.opts.Recorder; rec != nil {
		if err := rec.RecordItems(c.ctx, items...); err != nil {
			c.opts.Logger.Warn("Failed to record items", "session_id", c.sess.ID(), "error", err.Error())
		}
	}
}
