// Package config loads runtime settings from YAML. Every field has a
// default, so an empty document yields Default().
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/codeagent/aggregate"
	"github.com/hupe1980/codeagent/approval"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/process"
	"github.com/hupe1980/codeagent/protocol"
)

// Rollout backends.
const (
	RolloutFile   = "file"
	RolloutMemory = "memory"
	RolloutRedis  = "redis"
	RolloutMongo  = "mongo"
	RolloutNone   = "none"
)

// Model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

type (
	// Config is the root document.
	Config struct {
		Model        ModelConfig        `yaml:"model"`
		Retry        RetryConfig        `yaml:"retry"`
		Stream       StreamConfig       `yaml:"stream"`
		Approval     ApprovalConfig     `yaml:"approval"`
		Sandbox      core.SandboxPolicy `yaml:"sandbox"`
		Shell        ShellConfig        `yaml:"shell"`
		History      HistoryConfig      `yaml:"history"`
		Rollout      RolloutConfig      `yaml:"rollout"`
		Logging      LoggingConfig      `yaml:"logging"`
		Cwd          string             `yaml:"cwd"`
		Instructions InstructionConfig  `yaml:"instructions"`
	}

	// ModelConfig selects the backend.
	ModelConfig struct {
		Provider          string  `yaml:"provider"`
		Name              string  `yaml:"name"`
		BaseURL           string  `yaml:"base_url"`
		ReasoningEffort   string  `yaml:"reasoning_effort"`
		ReasoningSummary  string  `yaml:"reasoning_summary"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		MaxTokens         int64   `yaml:"max_tokens"`
		// MaxCallsPerTurn caps the sampling rounds of one turn. Zero is
		// unlimited.
		MaxCallsPerTurn   int     `yaml:"max_calls_per_turn"`
	}

	// RetryConfig bounds request and stream retries.
	RetryConfig struct {
		RequestMaxRetries int           `yaml:"request_max_retries"`
		StreamMaxRetries  int           `yaml:"stream_max_retries"`
		InitialBackoff    time.Duration `yaml:"initial_backoff"`
		BackoffFactor     float64       `yaml:"backoff_factor"`
		MaxBackoff        time.Duration `yaml:"max_backoff"`
	}

	// StreamConfig tunes event stream handling.
	StreamConfig struct {
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		// Aggregation is "raw" or "collapsed".
		Aggregation string `yaml:"aggregation"`
	}

	// ApprovalConfig controls when the user is asked.
	ApprovalConfig struct {
		Policy  core.ApprovalPolicy `yaml:"policy"`
		Timeout time.Duration       `yaml:"timeout"`
	}

	// ShellConfig bounds command execution.
	ShellConfig struct {
		Timeout        time.Duration     `yaml:"timeout"`
		DrainTimeout   time.Duration     `yaml:"drain_timeout"`
		MaxOutputBytes int               `yaml:"max_output_bytes"`
		Env            map[string]string `yaml:"env"`
	}

	// HistoryConfig controls transcript trimming after each turn.
	HistoryConfig struct {
		// KeepLastMessages trims history to the last n messages after every
		// turn. Zero disables trimming.
		KeepLastMessages int `yaml:"keep_last_messages"`
	}

	// RolloutConfig selects where session logs are written.
	RolloutConfig struct {
		Backend         string        `yaml:"backend"`
		Dir             string        `yaml:"dir"`
		Buffer          int           `yaml:"buffer"`
		RedisAddr       string        `yaml:"redis_addr"`
		RedisKeyPrefix  string        `yaml:"redis_key_prefix"`
		TTL             time.Duration `yaml:"ttl"`
		MongoURI        string        `yaml:"mongo_uri"`
		MongoDatabase   string        `yaml:"mongo_database"`
		MongoCollection string        `yaml:"mongo_collection"`
	}

	// LoggingConfig configures the runtime logger.
	LoggingConfig struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// InstructionConfig holds the system prompt parts. Both may use template
	// markers such as {{.Cwd}}.
	InstructionConfig struct {
		Base string `yaml:"base"`
		User string `yaml:"user"`
	}
)

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Model: ModelConfig{Provider: ProviderOpenAI},
		Retry: RetryConfig{
			RequestMaxRetries: model.DefaultRequestMaxRetries,
			StreamMaxRetries:  model.DefaultStreamMaxRetries,
			InitialBackoff:    model.DefaultInitialBackoff,
			BackoffFactor:     model.DefaultBackoffFactor,
		},
		Stream:   StreamConfig{IdleTimeout: protocol.DefaultIdleTimeout, Aggregation: aggregate.ModeRaw.String()},
		Approval: ApprovalConfig{Policy: core.ApprovalOnRequest, Timeout: approval.DefaultTimeout},
		Sandbox:  core.ReadOnlyPolicy(),
		Shell: ShellConfig{
			Timeout:        process.DefaultTimeout,
			DrainTimeout:   process.DefaultDrainTimeout,
			MaxOutputBytes: process.DefaultMaxOutputBytes,
		},
		Rollout: RolloutConfig{Backend: RolloutFile, Dir: defaultRolloutDir()},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func defaultRolloutDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + string(os.PathSeparator) + ".codeagent"
	}
	return ".codeagent"
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over Default() and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderMock:
	default:
		errs = append(errs, fmt.Errorf("model.provider: unknown provider %q", c.Model.Provider))
	}
	if c.Model.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("model.requests_per_second: must not be negative"))
	}
	if c.Model.MaxCallsPerTurn < 0 {
		errs = append(errs, errors.New("model.max_calls_per_turn: must not be negative"))
	}
	if c.Retry.RequestMaxRetries < 0 {
		errs = append(errs, errors.New("retry.request_max_retries: must not be negative"))
	}
	if c.Retry.StreamMaxRetries < 0 {
		errs = append(errs, errors.New("retry.stream_max_retries: must not be negative"))
	}
	if c.Retry.InitialBackoff <= 0 {
		errs = append(errs, errors.New("retry.initial_backoff: must be positive"))
	}
	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, errors.New("retry.backoff_factor: must be at least 1"))
	}
	if c.Stream.IdleTimeout <= 0 {
		errs = append(errs, errors.New("stream.idle_timeout: must be positive"))
	}
	if _, err := aggregate.ParseMode(c.Stream.Aggregation); err != nil {
		errs = append(errs, fmt.Errorf("stream.aggregation: %w", err))
	}
	if _, err := core.ParseApprovalPolicy(string(c.Approval.Policy)); err != nil {
		errs = append(errs, fmt.Errorf("approval.policy: %w", err))
	}
	if c.Approval.Timeout <= 0 {
		errs = append(errs, errors.New("approval.timeout: must be positive"))
	}
	if err := c.Sandbox.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sandbox: %w", err))
	}
	if c.Shell.Timeout <= 0 || c.Shell.DrainTimeout <= 0 {
		errs = append(errs, errors.New("shell: timeouts must be positive"))
	}
	if c.History.KeepLastMessages < 0 {
		errs = append(errs, errors.New("history.keep_last_messages: must not be negative"))
	}
	switch c.Rollout.Backend {
	case RolloutFile:
		if c.Rollout.Dir == "" {
			errs = append(errs, errors.New("rollout.dir: required for the file backend"))
		}
	case RolloutRedis:
		if c.Rollout.RedisAddr == "" {
			errs = append(errs, errors.New("rollout.redis_addr: required for the redis backend"))
		}
	case RolloutMongo:
		if c.Rollout.MongoURI == "" || c.Rollout.MongoDatabase == "" {
			errs = append(errs, errors.New("rollout: mongo_uri and mongo_database are required for the mongo backend"))
		}
	case RolloutMemory, RolloutNone:
	default:
		errs = append(errs, fmt.Errorf("rollout.backend: unknown backend %q", c.Rollout.Backend))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RequestRetry returns the retry policy for the initial model request.
func (c Config) RequestRetry() model.RetryPolicy {
	return model.RetryPolicy{MaxRetries: c.Retry.RequestMaxRetries, Backoff: c.backoff()}
}

// StreamRetry returns the retry policy for failed streams.
func (c Config) StreamRetry() model.RetryPolicy {
	return model.RetryPolicy{MaxRetries: c.Retry.StreamMaxRetries, Backoff: c.backoff()}
}

func (c Config) backoff() model.Backoff {
	return model.ExponentialBackoff(c.Retry.InitialBackoff, c.Retry.BackoffFactor, c.Retry.MaxBackoff)
}

// AggregationMode returns the parsed stream aggregation mode.
func (c Config) AggregationMode() aggregate.Mode {
	m, _ := aggregate.ParseMode(c.Stream.Aggregation)
	return m
}

// TurnContext builds the initial turn context. An empty cwd resolves to the
// process working directory.
func (c Config) TurnContext() core.TurnContext {
	cwd := c.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	policy, _ := core.ParseApprovalPolicy(string(c.Approval.Policy))
	return core.TurnContext{
		Cwd:              cwd,
		Model:            c.Model.Name,
		ApprovalPolicy:   policy,
		SandboxPolicy:    c.Sandbox,
		BaseInstructions: c.Instructions.Base,
		UserInstructions: c.Instructions.User,
	}.Clone()
}

// Logger builds a RuntimeLogger writing to w (stderr when nil).
func (c Config) Logger(w io.Writer) *logging.RuntimeLogger {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(c.Logging.Level)
	cfg.Format = strings.ToLower(c.Logging.Format)
	if w != nil {
		cfg.Output = w
	}
	return logging.NewLogger(cfg)
}
