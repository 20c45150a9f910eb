// Package anthropic implements model.Client over the Anthropic Messages
// streaming API. Stream events are mapped onto protocol records so the rest
// of the runtime (aggregation, tool dispatch, history) is provider agnostic.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/protocol"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = sdk.Model("claude-sonnet-4-5")

// MessagesClient is the subset of the SDK used by the adapter. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the Anthropic adapter.
type Options struct {
	Model       sdk.Model
	MaxTokens   int64
	Temperature float64 // zero leaves the provider default
	APIKey      string
	Logger      logging.Logger
}

// Client wraps the Messages API behind model.Client.
type Client struct {
	msg  MessagesClient
	opts Options
}

// New creates a client using the official SDK.
func New(optFns ...func(o *Options)) *Client {
	opts := defaultOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := sdk.NewClient(clientOpts...)
	return &Client{msg: &client.Messages, opts: opts}
}

// NewFromClient wraps an existing messages client.
func NewFromClient(msg MessagesClient, optFns ...func(o *Options)) *Client {
	return &Client{msg: msg, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{Model: DefaultModel, MaxTokens: 8192}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return opts
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, prompt model.Prompt) (protocol.Source, error) {
	params, custom, err := c.buildParams(prompt)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, mapError(ctx, err)
	}
	return &source{ctx: ctx, stream: stream, proc: newProcessor(custom, c.opts.Logger)}, nil
}

// Info implements model.Client.
func (c *Client) Info() model.Info {
	return model.Info{Name: string(c.opts.Model), Provider: "anthropic", SupportsTools: true}
}

func (c *Client) buildParams(prompt model.Prompt) (sdk.MessageNewParams, map[string]bool, error) {
	msgs, system := encodeItems(prompt.Input)
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, nil, errors.New("anthropic: at least one user or assistant item is required")
	}
	params := sdk.MessageNewParams{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		Messages:  msgs,
	}
	if prompt.Instructions != "" {
		system = append([]sdk.TextBlockParam{{Text: prompt.Instructions}}, system...)
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}
	tools, custom := encodeTools(prompt.Tools)
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params, custom, nil
}

// encodeItems converts history into alternating user/assistant messages.
// Consecutive blocks of the same role are merged into one message.
func encodeItems(items []core.Item) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	var (
		msgs   []sdk.MessageParam
		system []sdk.TextBlockParam
		role   string
		blocks []sdk.ContentBlockParamUnion
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == "assistant" {
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	add := func(r string, b sdk.ContentBlockParamUnion) {
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, b)
	}

	for _, it := range items {
		switch v := it.(type) {
		case core.Message:
			text := v.Text()
			if text == "" {
				continue
			}
			switch v.Role {
			case "system":
				system = append(system, sdk.TextBlockParam{Text: text})
			case "assistant":
				add("assistant", sdk.NewTextBlock(text))
			default:
				add("user", sdk.NewTextBlock(text))
			}
		case core.FunctionCall:
			add("assistant", sdk.NewToolUseBlock(v.CallID, decodeInput(v.Arguments), v.Name))
		case core.CustomToolCall:
			add("assistant", sdk.NewToolUseBlock(v.CallID, map[string]any{"input": v.Input}, v.Name))
		case core.LocalShellCall:
			add("assistant", sdk.NewToolUseBlock(v.CallID, v.Action, "local_shell"))
		case core.FunctionCallOutput:
			failed := v.Output.Success != nil && !*v.Output.Success
			add("user", sdk.NewToolResultBlock(v.CallID, v.Output.Content, failed))
		case core.CustomToolCallOutput:
			add("user", sdk.NewToolResultBlock(v.CallID, v.Output, false))
		}
	}
	flush()
	return msgs, system
}

func decodeInput(args string) any {
	var v any
	if strings.TrimSpace(args) == "" {
		return map[string]any{}
	}
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	return v
}

// encodeTools returns the tool params and the set of custom (freeform) tool
// names, whose calls are surfaced as CustomToolCall items.
func encodeTools(specs []model.ToolSpec) ([]sdk.ToolUnionParam, map[string]bool) {
	var (
		out    []sdk.ToolUnionParam
		custom = map[string]bool{}
	)
	for _, s := range specs {
		var (
			name   = s.Name
			schema sdk.ToolInputSchemaParam
		)
		switch s.Kind {
		case model.ToolCustom:
			custom[name] = true
			schema.Properties = map[string]any{"input": map[string]any{"type": "string"}}
			schema.Required = []string{"input"}
		case model.ToolLocalShell:
			name = "local_shell"
			schema.Properties = map[string]any{
				"command":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"working_directory": map[string]any{"type": "string"},
				"timeout_ms":        map[string]any{"type": "integer"},
			}
			schema.Required = []string{"command"}
		default:
			if props, ok := s.Parameters["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = requiredFields(s.Parameters["required"])
		}
		u := sdk.ToolUnionParamOfTool(schema, name)
		if u.OfTool != nil && s.Description != "" {
			u.OfTool.Description = sdk.String(s.Description)
		}
		out = append(out, u)
	}
	return out, custom
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests, apiErr.StatusCode >= 500:
			return &core.StreamError{Message: apiErr.Error(), Err: err}
		case apiErr.StatusCode > 0:
			return &core.UnexpectedStatusError{Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
	}
	return &core.StreamError{Err: err}
}

// source pulls SDK stream events synchronously and queues the records they
// map to.
type source struct {
	ctx    context.Context
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	proc   *processor
	queue  []protocol.Record
	cur    protocol.Record
	err    error
	done   bool
}

func (s *source) Next() bool {
	for len(s.queue) == 0 {
		if s.done {
			return false
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				s.err = mapError(s.ctx, err)
			} else if err := s.ctx.Err(); err != nil {
				s.err = err
			} else {
				s.err = core.ErrStreamClosed
			}
			return false
		}
		recs, err := s.proc.handle(s.stream.Current())
		if err != nil {
			s.done = true
			s.err = &core.StreamError{Err: err}
			return false
		}
		s.queue = append(s.queue, recs...)
	}
	s.cur, s.queue = s.queue[0], s.queue[1:]
	if protocol.IsTerminal(s.cur) {
		s.done = true
		s.queue = nil
	}
	return true
}

func (s *source) Current() protocol.Record { return s.cur }

func (s *source) Err() error { return s.err }

func (s *source) Close() error { return s.stream.Close() }

type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockTool
)

type block struct {
	kind   blockKind
	id     string
	name   string
	callID string
	text   strings.Builder
}

// processor converts Anthropic stream events into protocol records.
type processor struct {
	custom     map[string]bool
	logger     logging.Logger
	responseID string
	usage      core.TokenUsage
	blocks     map[int64]*block
}

func newProcessor(custom map[string]bool, logger logging.Logger) *processor {
	return &processor{custom: custom, logger: logger, blocks: map[int64]*block{}}
}

func (p *processor) itemID(idx int64) string { return fmt.Sprintf("%s_%d", p.responseID, idx) }

func (p *processor) handle(event sdk.MessageStreamEventUnion) ([]protocol.Record, error) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.responseID = ev.Message.ID
		p.blocks = map[int64]*block{}
		p.usage = core.TokenUsage{
			InputTokens:       ev.Message.Usage.InputTokens,
			CachedInputTokens: ev.Message.Usage.CacheReadInputTokens,
		}
		return []protocol.Record{protocol.Created{ResponseID: p.responseID}}, nil
	case sdk.ContentBlockStartEvent:
		b := &block{id: p.itemID(ev.Index)}
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if start.ID == "" || start.Name == "" {
				return nil, errors.New("anthropic stream: tool use block missing id or name")
			}
			b.kind, b.callID, b.name = blockTool, start.ID, start.Name
		case sdk.ThinkingBlock:
			b.kind = blockThinking
		default:
			b.kind = blockText
		}
		p.blocks[ev.Index] = b
		return nil, nil
	case sdk.ContentBlockDeltaEvent:
		b := p.blocks[ev.Index]
		if b == nil {
			b = &block{id: p.itemID(ev.Index)}
			p.blocks[ev.Index] = b
		}
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil, nil
			}
			b.text.WriteString(delta.Text)
			return []protocol.Record{protocol.OutputTextDelta{ItemID: b.id, Delta: delta.Text}}, nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil, nil
			}
			b.kind = blockThinking
			b.text.WriteString(delta.Thinking)
			return []protocol.Record{protocol.ReasoningContentDelta{ItemID: b.id, Delta: delta.Thinking}}, nil
		case sdk.InputJSONDelta:
			b.text.WriteString(delta.PartialJSON)
			return nil, nil
		default:
			return nil, nil
		}
	case sdk.ContentBlockStopEvent:
		b := p.blocks[ev.Index]
		if b == nil {
			return nil, nil
		}
		delete(p.blocks, ev.Index)
		if item := p.finish(b); item != nil {
			return []protocol.Record{protocol.OutputItemDone{Item: item}}, nil
		}
		return nil, nil
	case sdk.MessageDeltaEvent:
		p.usage.OutputTokens = ev.Usage.OutputTokens
		return nil, nil
	case sdk.MessageStopEvent:
		usage := p.usage
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		return []protocol.Record{protocol.Completed{ResponseID: p.responseID, Usage: &usage}}, nil
	default:
		return nil, nil
	}
}

func (p *processor) finish(b *block) core.Item {
	text := b.text.String()
	switch b.kind {
	case blockTool:
		input := strings.TrimSpace(text)
		if input == "" {
			input = "{}"
		}
		if p.custom[b.name] {
			var args struct {
				Input string `json:"input"`
			}
			if err := json.Unmarshal([]byte(input), &args); err != nil {
				p.logger.Warn("Custom tool input is not valid JSON", "tool_name", b.name, "error", err.Error())
			}
			return core.CustomToolCall{ID: b.id, CallID: b.callID, Name: b.name, Input: args.Input}
		}
		if b.name == "local_shell" {
			var action core.LocalShellAction
			if err := json.Unmarshal([]byte(input), &action); err == nil {
				return core.LocalShellCall{ID: b.id, CallID: b.callID, Status: "completed", Action: action}
			}
		}
		return core.FunctionCall{ID: b.id, Name: b.name, Arguments: input, CallID: b.callID}
	case blockThinking:
		if text == "" {
			return nil
		}
		return core.Reasoning{ID: b.id, Summary: []core.ReasoningPart{}, Content: []core.ReasoningPart{core.ReasoningText(text)}}
	default:
		if text == "" {
			return nil
		}
		msg := core.AssistantMessage(text)
		msg.ID = b.id
		return msg
	}
}

var (
	_ model.Client    = (*Client)(nil)
	_ protocol.Source = (*source)(nil)
)
