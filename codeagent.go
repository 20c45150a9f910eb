// Package codeagent provides a high-level façade over the conversation
// manager and its services (model client, rollout store, tools, logging).
// Most applications interact with this package by:
//  1. Loading a config.Config (config.Load or config.Default)
//  2. Creating an Agent via New(), optionally overriding the client or store
//  3. Spawning or resuming conversations and exchanging submissions/events
//
// The façade delegates orchestration to manager.Manager and engine.Conversation
// while keeping setup concise. Defaults are safe for local development; the
// mock provider and the memory backend need no network access.
package codeagent

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/time/rate"

	"github.com/hupe1980/codeagent/config"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/engine"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/manager"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/model/anthropic"
	"github.com/hupe1980/codeagent/model/openai"
	"github.com/hupe1980/codeagent/rollout"
	mongostore "github.com/hupe1980/codeagent/rollout/mongo"
	redisstore "github.com/hupe1980/codeagent/rollout/redis"
	"github.com/hupe1980/codeagent/telemetry"
	"github.com/hupe1980/codeagent/tool"
)

// Version is written to the session meta of new rollouts.
const Version = "0.1.0"

// Options configures the Agent instance.
type Options struct {
	// Config holds the runtime settings. Defaults to config.Default().
	Config config.Config

	// Client overrides the model client built from Config.Model.
	Client model.Client

	// Store overrides the rollout store built from Config.Rollout.
	Store core.RolloutStore

	// Callbacks run around model and tool calls of every conversation.
	Callbacks *engine.CallbackManager

	// Logger defaults to the logger described by Config.Logging.
	Logger  logging.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Agent is the high-level façade aggregating the manager and its services.
type Agent struct {
	cfg     config.Config
	manager *manager.Manager
	store   core.RolloutStore
	logger  logging.Logger
	closers []func(context.Context) error
}

// New creates an Agent. Any service not supplied in Options is built from
// the config.
func New(ctx context.Context, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{Config: config.Default()}
	for _, fn := range optFns {
		fn(&opts)
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = cfg.Logger(nil).WithComponent("codeagent")
	}

	a := &Agent{cfg: cfg, logger: opts.Logger}

	client := opts.Client
	if client == nil {
		var err error
		if client, err = NewClient(cfg, opts.Logger); err != nil {
			return nil, err
		}
	}

	store := opts.Store
	if store == nil {
		s, closeFn, err := NewStore(ctx, cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
		store = s
		if closeFn != nil {
			a.closers = append(a.closers, closeFn)
		}
	}
	a.store = store

	router, err := NewRouter(cfg, opts.Logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	m, err := manager.New(client, func(o *manager.Options) {
		o.Store = store
		o.RecorderBuffer = cfg.Rollout.Buffer
		o.Router = router
		o.Callbacks = opts.Callbacks
		o.ApprovalTimeout = cfg.Approval.Timeout
		o.Aggregation = cfg.AggregationMode()
		o.StreamRetry = cfg.StreamRetry()
		o.KeepLastMessages = cfg.History.KeepLastMessages
		o.MaxModelCalls = cfg.Model.MaxCallsPerTurn
		o.Version = Version
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer
	})
	if err != nil {
		_ = a.closeServices(ctx)
		return nil, err
	}
	a.manager = m

	opts.Logger.Info("Agent ready", "provider", cfg.Model.Provider, "model", client.Info().Name,
		"rollout_backend", cfg.Rollout.Backend, "aggregation", cfg.Stream.Aggregation)
	return a, nil
}

// NewClient builds the model client selected by cfg.Model.Provider.
func NewClient(cfg config.Config, logger logging.Logger) (model.Client, error) {
	switch cfg.Model.Provider {
	case config.ProviderOpenAI:
		return openai.New(func(o *openai.Options) {
			if cfg.Model.Name != "" {
				o.Model = cfg.Model.Name
			}
			o.BaseURL = cfg.Model.BaseURL
			o.ReasoningEffort = cfg.Model.ReasoningEffort
			o.ReasoningSummary = cfg.Model.ReasoningSummary
			o.Retry = cfg.RequestRetry()
			o.StreamIdleTimeout = cfg.Stream.IdleTimeout
			if rps := cfg.Model.RequestsPerSecond; rps > 0 {
				o.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
			}
			o.Logger = logger
		}), nil
	case config.ProviderAnthropic:
		return anthropic.New(func(o *anthropic.Options) {
			if cfg.Model.Name != "" {
				o.Model = sdk.Model(cfg.Model.Name)
			}
			if cfg.Model.MaxTokens > 0 {
				o.MaxTokens = cfg.Model.MaxTokens
			}
			o.Logger = logger
		}), nil
	case config.ProviderMock:
		return model.NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

// NewStore builds the rollout store selected by cfg.Rollout.Backend. The
// returned close function, when non-nil, releases the backend connection.
// The "none" backend returns a nil store.
func NewStore(ctx context.Context, cfg config.Config, logger logging.Logger) (core.RolloutStore, func(context.Context) error, error) {
	rc := cfg.Rollout
	switch rc.Backend {
	case config.RolloutFile:
		return rollout.NewFileStore(rc.Dir, func(o *rollout.FileOptions) { o.Logger = logger }), nil, nil
	case config.RolloutMemory:
		return rollout.NewMemoryStore(), nil, nil
	case config.RolloutRedis:
		rdb := goredis.NewClient(&goredis.Options{Addr: rc.RedisAddr})
		s, err := redisstore.New(rdb, func(o *redisstore.Options) {
			if rc.RedisKeyPrefix != "" {
				o.KeyPrefix = rc.RedisKeyPrefix
			}
			o.TTL = rc.TTL
			o.Logger = logger
		})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", rc.RedisAddr, err)
		}
		return s, func(context.Context) error { return rdb.Close() }, nil
	case config.RolloutMongo:
		client, err := mongodriver.Connect(options.Client().ApplyURI(rc.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		s, err := mongostore.New(ctx, mongostore.Options{
			Client:     client,
			Database:   rc.MongoDatabase,
			Collection: rc.MongoCollection,
			Logger:     logger,
		})
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		return s, client.Disconnect, nil
	case config.RolloutNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown rollout backend %q", rc.Backend)
	}
}

// NewRouter builds the shell and apply_patch tools with the limits of
// cfg.Shell.
func NewRouter(cfg config.Config, logger logging.Logger, metrics telemetry.Metrics) (*tool.Router, error) {
	shell := tool.NewShell(func(o *tool.ShellOptions) {
		o.Timeout = cfg.Shell.Timeout
		o.DrainTimeout = cfg.Shell.DrainTimeout
		o.MaxOutputBytes = cfg.Shell.MaxOutputBytes
		o.Env = cfg.Shell.Env
	})
	return tool.NewRouter([]tool.Tool{shell, tool.NewApplyPatch()}, func(o *tool.RouterOptions) {
		o.Logger = logger
		o.Metrics = metrics
	})
}

// Config returns the settings the agent was built with.
func (a *Agent) Config() config.Config { return a.cfg }

// Manager returns the conversation manager.
func (a *Agent) Manager() *manager.Manager { return a.manager }

// Store returns the rollout store, or nil when persistence is disabled.
func (a *Agent) Store() core.RolloutStore { return a.store }

// Spawn starts a conversation with the configured turn context.
func (a *Agent) Spawn(ctx context.Context, seed ...core.Item) (*engine.Conversation, error) {
	return a.manager.Spawn(ctx, manager.Config{TurnContext: a.cfg.TurnContext(), Seed: seed})
}

// Resume restores a persisted conversation with the configured turn
// context. Cwd and base instructions come from the rollout when the config
// leaves them empty.
func (a *Agent) Resume(ctx context.Context, sessionID string) (*engine.Conversation, error) {
	tc := a.cfg.TurnContext()
	if a.cfg.Cwd == "" {
		tc.Cwd = ""
	}
	return a.manager.Resume(ctx, sessionID, manager.Config{TurnContext: tc})
}

// RunSync is a synchronous helper: it submits text as user input, collects
// every event until the turn ends and returns them. handle, when non-nil,
// sees each event first and may answer approval requests.
func (a *Agent) RunSync(ctx context.Context, c *engine.Conversation, text string, handle func(core.Event)) ([]core.Event, error) {
	events, err := engine.Run(ctx, c, text, handle)
	if err != nil {
		return events, err
	}
	if e, ok := events[len(events)-1].Msg.(core.Error); ok {
		return events, fmt.Errorf("turn failed (%s): %s", e.ErrKind, e.Message)
	}
	return events, nil
}

// Close shuts every conversation down and releases the backend connections.
func (a *Agent) Close(ctx context.Context) error {
	err := errors.Join(a.manager.Shutdown(ctx), a.closeServices(ctx))
	a.logger.Info("Agent closed", "error", err)
	return err
}

func (a *Agent) closeServices(ctx context.Context) error {
	var errs []error
	for _, fn := range a.closers {
		errs = append(errs, fn(ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
