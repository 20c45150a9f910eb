package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/codeagent/aggregate"
	"github.com/hupe1980/codeagent/approval"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/engine"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/rollout"
	"github.com/hupe1980/codeagent/session"
	"github.com/hupe1980/codeagent/telemetry"
	"github.com/hupe1980/codeagent/tool"
)

// DefaultOriginator is written to the session meta of new rollouts.
const DefaultOriginator = "codeagent"

var (
	// ErrSessionActive is returned when a session id is already registered.
	ErrSessionActive = errors.New("session is already active")
	// ErrNoRolloutStore is returned by Resume when persistence is disabled.
	ErrNoRolloutStore = errors.New("no rollout store configured")
)

// Config describes a conversation to start.
type Config struct {
	TurnContext core.TurnContext
	// Seed is the initial history of a spawned conversation.
	Seed []core.Item
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Store persists rollouts. Nil disables persistence and Resume.
	Store core.RolloutStore
	// RecorderBuffer is the command queue of each session recorder.
	RecorderBuffer int

	// Router is shared by every conversation. Nil gives each conversation
	// the default shell + apply_patch router.
	Router *tool.Router
	// Callbacks are shared by every conversation.
	Callbacks *engine.CallbackManager

	// ApprovalTimeout bounds each approval wait. Zero uses
	// approval.DefaultTimeout.
	ApprovalTimeout time.Duration

	Aggregation      aggregate.Mode
	StreamRetry      model.RetryPolicy
	KeepLastMessages int
	MaxModelCalls    int
	EventBuffer      int

	// Originator and Version are written to new session metas.
	Originator string
	Version    string

	// Registry holds the live conversations. Defaults to a private registry.
	Registry *Registry

	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Manager creates, forks, resumes and tracks conversations. Public methods
// are safe for concurrent use.
type Manager struct {
	client   model.Client
	opts     Options
	registry *Registry
}

// New constructs a Manager sampling client.
func New(client model.Client, optFns ...func(o *Options)) (*Manager, error) {
	if client == nil {
		return nil, errors.New("model client is required")
	}
	opts := Options{
		StreamRetry: model.RetryPolicy{MaxRetries: model.DefaultStreamMaxRetries, Backoff: model.DefaultBackoff()},
		EventBuffer: engine.DefaultEventBuffer,
		Originator:  DefaultOriginator,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	opts.Metrics = telemetry.MetricsOrNoop(opts.Metrics)
	opts.Tracer = telemetry.TracerOrNoop(opts.Tracer)
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return &Manager{client: client, opts: opts, registry: opts.Registry}, nil
}

// Registry returns the registry of live conversations.
func (m *Manager) Registry() *Registry { return m.registry }

// Spawn starts a new idle conversation with a fresh session id. Its first
// event is SessionConfigured.
func (m *Manager) Spawn(ctx context.Context, cfg Config) (*engine.Conversation, error) {
	id := core.NewSessionID()
	c, err := m.start(ctx, id, cfg.TurnContext, cfg.Seed, newRollout{})
	if err != nil {
		return nil, err
	}
	m.opts.Metrics.IncCounter(ctx, telemetry.MetricSessions, 1, "action", "spawn")
	return c, nil
}

// Fork starts a new conversation seeded with parentHistory cut before its
// dropLastN-th last user message.
func (m *Manager) Fork(ctx context.Context, parentHistory []core.Item, dropLastN int, cfg Config) (*engine.Conversation, error) {
	return m.fork(ctx, "", parentHistory, dropLastN, cfg)
}

// ForkConversation forks the live conversation parentID. An empty
// cfg.TurnContext (no model and no cwd) inherits the parent's.
func (m *Manager) ForkConversation(ctx context.Context, parentID string, n int, cfg Config) (*engine.Conversation, error) {
	parent, err := m.Get(parentID)
	if err != nil {
		return nil, err
	}
	if cfg.TurnContext.Model == "" && cfg.TurnContext.Cwd == "" {
		cfg.TurnContext = parent.Session().TurnContext()
	}
	return m.fork(ctx, parentID, parent.Session().History().Snapshot(), n, cfg)
}

func (m *Manager) fork(ctx context.Context, parentID string, history []core.Item, n int, cfg Config) (*engine.Conversation, error) {
	seed := session.DropAfterNthLastUserMessage(history, n)
	id := core.NewSessionID()
	c, err := m.start(ctx, id, cfg.TurnContext, seed, newRollout{forkedFrom: parentID})
	if err != nil {
		return nil, err
	}
	m.opts.Logger.Info("Conversation forked", "session_id", id, "parent_id", parentID,
		"dropped_user_messages", n, "seed_items", len(seed))
	m.opts.Metrics.IncCounter(ctx, telemetry.MetricSessions, 1, "action", "fork")
	return c, nil
}

// Resume restores sessionID from its rollout. The identity comes from the
// session meta; history snapshots in the log replace the items before them.
// Empty cwd and base instructions in cfg are taken from the meta.
func (m *Manager) Resume(ctx context.Context, sessionID string, cfg Config) (*engine.Conversation, error) {
	if m.opts.Store == nil {
		return nil, ErrNoRolloutStore
	}
	if _, ok := m.registry.Lookup(sessionID); ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, sessionID)
	}
	lines, err := m.opts.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load rollout %s: %w", sessionID, err)
	}
	meta, items, err := core.ReplayRollout(lines)
	if err != nil {
		return nil, fmt.Errorf("replay rollout %s: %w", sessionID, err)
	}

	tc := cfg.TurnContext
	if tc.Cwd == "" {
		tc.Cwd = meta.Cwd
	}
	if tc.BaseInstructions == "" {
		tc.BaseInstructions = meta.Instructions
	}
	c, err := m.start(ctx, meta.ID, tc, items, newRollout{resumed: true})
	if err != nil {
		return nil, err
	}
	m.opts.Logger.Info("Conversation resumed", "session_id", meta.ID, "lines", len(lines), "items", len(items))
	m.opts.Metrics.IncCounter(ctx, telemetry.MetricSessions, 1, "action", "resume")
	return c, nil
}

// Get returns the live conversation id.
func (m *Manager) Get(id string) (*engine.Conversation, error) {
	c, ok := m.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	return c, nil
}

// List returns the ids of the live conversations.
func (m *Manager) List() []string { return m.registry.IDs() }

// Remove unregisters id and shuts its conversation down.
func (m *Manager) Remove(ctx context.Context, id string) error {
	c, ok := m.registry.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, id)
	}
	m.opts.Metrics.IncCounter(ctx, telemetry.MetricSessions, 1, "action", "remove")
	return c.Close(ctx)
}

// Shutdown closes every live conversation.
func (m *Manager) Shutdown(ctx context.Context) error {
	convs := m.registry.All()
	errs := make([]error, len(convs))
	var wg sync.WaitGroup
	for i, c := range convs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.registry.removeIf(c.ID(), c)
			if err := c.Close(ctx); err != nil {
				errs[i] = fmt.Errorf("close %s: %w", c.ID(), err)
			}
		}()
	}
	wg.Wait()
	m.opts.Logger.Info("Manager shut down", "conversations", len(convs))
	return errors.Join(errs...)
}

// EvictIdle shuts down idle conversations without activity for longer than
// maxIdle and returns how many were evicted.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	evicted := 0
	for _, c := range m.registry.All() {
		if c.State() != engine.StateIdle || time.Since(c.LastActivity()) <= maxIdle {
			continue
		}
		if !m.registry.removeIf(c.ID(), c) {
			continue
		}
		if err := c.Close(ctx); err != nil {
			m.opts.Logger.Warn("Failed to close evicted conversation", "session_id", c.ID(), "error", err.Error())
		}
		evicted++
		m.opts.Metrics.IncCounter(ctx, telemetry.MetricSessions, 1, "action", "evict")
	}
	if evicted > 0 {
		m.opts.Logger.Info("Evicted idle conversations", "count", evicted, "max_idle", maxIdle)
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (m *Manager) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(ctx, maxIdle)
		}
	}
}

type newRollout struct {
	resumed    bool
	forkedFrom string
}

func (m *Manager) start(ctx context.Context, id string, tc core.TurnContext, seed []core.Item, nr newRollout) (*engine.Conversation, error) {
	sess := session.New(id, tc, seed...)

	rec, path, err := m.openRollout(ctx, sess, seed, nr)
	if err != nil {
		return nil, err
	}

	c, err := engine.New(sess, func(o *engine.Options) {
		o.Client = m.client
		o.Router = m.opts.Router
		o.Approvals = approval.New(func(ao *approval.Options) {
			ao.Timeout = m.opts.ApprovalTimeout
			ao.Logger = m.opts.Logger
			ao.Metrics = m.opts.Metrics
		})
		o.Recorder = rec
		o.RolloutPath = path
		o.Aggregation = m.opts.Aggregation
		o.StreamRetry = m.opts.StreamRetry
		o.KeepLastMessages = m.opts.KeepLastMessages
		o.MaxModelCalls = m.opts.MaxModelCalls
		o.EventBuffer = m.opts.EventBuffer
		o.Callbacks = m.opts.Callbacks
		o.Logger = m.opts.Logger
		o.Metrics = m.opts.Metrics
		o.Tracer = m.opts.Tracer
	})
	if err != nil {
		if rec != nil {
			_ = rec.Shutdown(ctx)
		}
		return nil, err
	}
	if err := m.registry.Insert(c); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	go func() {
		<-c.Done()
		if m.registry.removeIf(id, c) {
			m.opts.Logger.Debug("Conversation unregistered after shutdown", "session_id", id)
		}
	}()

	m.opts.Logger.Info("Conversation started", "session_id", id, "model", tc.Model, "cwd", tc.Cwd,
		"history_len", len(seed), "rollout_path", path)
	return c, nil
}

// openRollout starts the session recorder. New sessions get their meta line
// and, when seeded, a snapshot of the seed; resumed sessions append to the
// existing log.
func (m *Manager) openRollout(ctx context.Context, sess *session.Session, seed []core.Item, nr newRollout) (*rollout.Recorder, string, error) {
	if m.opts.Store == nil {
		return nil, "", nil
	}
	rec := rollout.NewRecorder(m.opts.Store, sess.ID(), func(o *rollout.RecorderOptions) {
		o.Buffer = m.opts.RecorderBuffer
		o.Logger = m.opts.Logger
	})
	if !nr.resumed {
		tc := sess.TurnContext()
		lines := []core.RolloutLine{core.MetaLine(core.SessionMeta{
			ID:           sess.ID(),
			Timestamp:    sess.Created(),
			Cwd:          tc.Cwd,
			Originator:   m.opts.Originator,
			Version:      m.opts.Version,
			Instructions: tc.BaseInstructions,
			ForkedFrom:   nr.forkedFrom,
		})}
		if len(seed) > 0 {
			lines = append(lines, core.SnapshotLine(seed))
		}
		err := rec.Record(ctx, lines...)
		if err == nil {
			err = rec.Flush(ctx)
		}
		if err != nil {
			_ = rec.Shutdown(ctx)
			return nil, "", fmt.Errorf("write session meta: %w", err)
		}
	}
	var path string
	if p, ok := m.opts.Store.(interface{ Path(string) string }); ok {
		path = p.Path(sess.ID())
	}
	return rec, path, nil
}
