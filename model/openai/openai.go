// Package openai implements model.Client over the OpenAI Responses API. The
// request is sent with the official SDK's raw Post so the server-sent event
// body can be decoded by protocol.Stream, which tolerates malformed records
// and enforces an idle timeout.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/protocol"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "gpt-5-codex"

// Options configure the Responses client.
type Options struct {
	Model             string
	APIKey            string
	BaseURL           string
	ReasoningEffort   string // "low", "medium", "high"; empty omits reasoning
	ReasoningSummary  string // "auto", "concise", "detailed"
	ParallelToolCalls bool
	Retry             model.RetryPolicy
	StreamIdleTimeout time.Duration
	// Limiter paces outgoing requests when set.
	Limiter *rate.Limiter
	Logger  logging.Logger
	// RequestOptions are appended to every request.
	RequestOptions []option.RequestOption
}

// Client streams Responses API turns.
type Client struct {
	client *openai.Client
	opts   Options
}

// New creates a client using the official SDK configured from opts and the
// environment (OPENAI_API_KEY, OPENAI_BASE_URL).
func New(optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)
	return newClient(&client, opts)
}

// NewFromClient wraps an existing SDK client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Client {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newClient(client, opts)
}

func defaultOptions() Options {
	return Options{
		Model:             DefaultModel,
		Retry:             model.RetryPolicy{MaxRetries: model.DefaultRequestMaxRetries, Backoff: model.DefaultBackoff()},
		StreamIdleTimeout: protocol.DefaultIdleTimeout,
	}
}

func newClient(client *openai.Client, opts Options) *Client {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Client{client: client, opts: opts}
}

type reasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type request struct {
	Model             string           `json:"model"`
	Instructions      string           `json:"instructions,omitempty"`
	Input             []core.Item      `json:"input"`
	Tools             []model.ToolSpec `json:"tools,omitempty"`
	ToolChoice        string           `json:"tool_choice"`
	ParallelToolCalls bool             `json:"parallel_tool_calls"`
	Reasoning         *reasoning       `json:"reasoning,omitempty"`
	Store             bool             `json:"store"`
	Stream            bool             `json:"stream"`
	Include           []string         `json:"include"`
}

func (c *Client) buildRequest(prompt model.Prompt) request {
	req := request{
		Model:             c.opts.Model,
		Instructions:      prompt.Instructions,
		Input:             prompt.Input,
		Tools:             prompt.Tools,
		ToolChoice:        "auto",
		ParallelToolCalls: c.opts.ParallelToolCalls,
		Stream:            true,
		Include:           []string{},
	}
	if req.Input == nil {
		req.Input = []core.Item{}
	}
	if c.opts.ReasoningEffort != "" || c.opts.ReasoningSummary != "" {
		req.Reasoning = &reasoning{Effort: c.opts.ReasoningEffort, Summary: c.opts.ReasoningSummary}
		req.Include = append(req.Include, "reasoning.encrypted_content")
	}
	return req
}

// Stream implements model.Client. Request failures are retried up to
// Retry.MaxRetries honouring Retry-After; quota errors are returned at once.
func (c *Client) Stream(ctx context.Context, prompt model.Prompt) (protocol.Source, error) {
	body := c.buildRequest(prompt)
	for attempt := 1; ; attempt++ {
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		start := time.Now()
		var res *http.Response
		opts := append([]option.RequestOption{
			option.WithHeader("Accept", "text/event-stream"),
			option.WithMaxRetries(0),
		}, c.opts.RequestOptions...)
		err := c.client.Post(ctx, "responses", body, &res, opts...)
		if err == nil {
			c.opts.Logger.Debug("Model request completed", "model", c.opts.Model, "attempt", attempt, "duration", time.Since(start))
			return protocol.NewStream(ctx, res, func(o *protocol.Options) {
				o.IdleTimeout = c.opts.StreamIdleTimeout
				o.Logger = c.opts.Logger
			}), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		f := classify(err)
		if !f.retryable {
			return nil, f.err
		}
		if attempt > c.opts.Retry.MaxRetries {
			return nil, &core.RetryLimitError{Status: f.status, Attempts: attempt, Err: f.err}
		}
		delay := c.opts.Retry.Delay(attempt, f.retryAfter)
		c.opts.Logger.Warn("Model request failed, retrying",
			"model", c.opts.Model, "attempt", attempt, "status", f.status, "delay", delay, "error", f.err.Error())
		if err := model.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// Info implements model.Client.
func (c *Client) Info() model.Info {
	return model.Info{Name: c.opts.Model, Provider: "openai", SupportsTools: true}
}

type failure struct {
	err        error
	status     int
	retryable  bool
	retryAfter *time.Duration
}

type errorBody struct {
	Error struct {
		Type            string `json:"type"`
		Code            string `json:"code"`
		Message         string `json:"message"`
		PlanType        string `json:"plan_type"`
		ResetsInSeconds int64  `json:"resets_in_seconds"`
	} `json:"error"`
}

// classify maps a failed request onto the runtime's error types.
func classify(err error) failure {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		// transport level failure (connection reset, DNS, ...)
		return failure{err: &core.StreamError{Err: err}, retryable: true}
	}
	status := apiErr.StatusCode
	raw := responseBody(apiErr)
	var body errorBody
	_ = json.Unmarshal([]byte(raw), &body)
	kind := firstNonEmpty(body.Error.Type, body.Error.Code, apiErr.Type, apiErr.Code)

	switch {
	case status == http.StatusTooManyRequests && (kind == "usage_limit_reached" || kind == "usage_not_included"):
		return failure{status: status, err: &core.UsageLimitError{
			Code:      kind,
			PlanType:  body.Error.PlanType,
			ResetsIn:  time.Duration(body.Error.ResetsInSeconds) * time.Second,
			Message:   body.Error.Message,
			NotInPlan: kind == "usage_not_included",
		}}
	case status == http.StatusTooManyRequests, status == http.StatusUnauthorized, status >= 500:
		return failure{
			status:     status,
			retryable:  true,
			retryAfter: retryAfter(apiErr.Response),
			err:        &core.UnexpectedStatusError{Status: status, Body: raw},
		}
	default:
		return failure{status: status, err: &core.UnexpectedStatusError{Status: status, Body: raw}}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func responseBody(apiErr *openai.Error) string {
	if apiErr.Response != nil && apiErr.Response.Body != nil {
		data, err := io.ReadAll(apiErr.Response.Body)
		if err == nil && len(data) > 0 {
			apiErr.Response.Body = io.NopCloser(bytes.NewReader(data))
			return string(data)
		}
	}
	return apiErr.RawJSON()
}

// retryAfter reads retry-after-ms or Retry-After (seconds).
func retryAfter(res *http.Response) *time.Duration {
	if res == nil {
		return nil
	}
	if v := res.Header.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms >= 0 {
			d := time.Duration(ms * float64(time.Millisecond))
			return &d
		}
	}
	if v := res.Header.Get("Retry-After"); v != "" {
		if s, err := strconv.ParseFloat(v, 64); err == nil && s >= 0 {
			d := time.Duration(s * float64(time.Second))
			return &d
		}
		if t, err := http.ParseTime(v); err == nil {
			d := time.Until(t)
			if d < 0 {
				d = 0
			}
			return &d
		}
	}
	return nil
}

var _ model.Client = (*Client)(nil)
