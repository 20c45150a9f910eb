package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/hupe1980/codeagent/core"
)

// Wire event types of the Responses API stream.
const (
	TypeCreated                = "response.created"
	TypeOutputTextDelta        = "response.output_text.delta"
	TypeReasoningSummaryDelta  = "response.reasoning_summary_text.delta"
	TypeReasoningTextDelta     = "response.reasoning_text.delta"
	TypeOutputItemAdded        = "response.output_item.added"
	TypeOutputItemDone         = "response.output_item.done"
	TypeCustomToolInputDelta   = "response.custom_tool_call_input.delta"
	TypeCustomToolInputDone    = "response.custom_tool_call_input.done"
	TypeCompleted              = "response.completed"
	TypeFailed                 = "response.failed"
	TypeError                  = "error"
	CodeRateLimitExceeded      = "rate_limit_exceeded"
	defaultFailedMessage       = "response.failed event received"
	maxLoggedPayloadBytes      = 512
	retryAfterMillisecondsUnit = "ms"
)

// MaxSummaryIndex bounds the summary_index of reasoning summary deltas.
const MaxSummaryIndex = 64

// isIgnored reports record types that carry nothing the runtime needs.
func isIgnored(typ string) bool {
	switch typ {
	case "response.in_progress",
		"response.content_part.added",
		"response.content_part.done",
		"response.function_call_arguments.delta",
		"response.function_call_arguments.done",
		"response.output_text.done",
		"response.reasoning_summary_text.done",
		"response.reasoning_summary_part.added",
		"response.reasoning_summary_part.done",
		"response.reasoning_text.done":
		return true
	default:
		return false
	}
}

type wireEvent struct {
	Type         string          `json:"type"`
	ItemID       string          `json:"item_id"`
	CallID       string          `json:"call_id"`
	Delta        string          `json:"delta"`
	SummaryIndex int             `json:"summary_index"`
	Input        string          `json:"input"`
	Item         json.RawMessage `json:"item"`
	Response     json.RawMessage `json:"response"`
	Code         string          `json:"code"`
	Message      string          `json:"message"`
}

type wireResponse struct {
	ID    string `json:"id"`
	Usage *struct {
		InputTokens        int64 `json:"input_tokens"`
		InputTokensDetails *struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"input_tokens_details"`
		OutputTokens        int64 `json:"output_tokens"`
		OutputTokensDetails *struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"output_tokens_details"`
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// UnknownTypeError is returned by Decode for unrecognised record types.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string { return fmt.Sprintf("unknown record type %q", e.Type) }

// Decode turns one wire payload into a Record. eventType is the SSE event
// name and may be empty, in which case the payload's "type" field is used.
// A nil Record with a nil error means the type is known but carries nothing.
func Decode(eventType string, data []byte) (Record, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode %q: %w", truncate(data), err)
	}
	typ := ev.Type
	if typ == "" {
		typ = eventType
	}
	if isIgnored(typ) {
		return nil, nil
	}

	switch typ {
	case TypeCreated:
		var resp wireResponse
		if len(ev.Response) > 0 {
			if err := json.Unmarshal(ev.Response, &resp); err != nil {
				return nil, fmt.Errorf("decode %s response: %w", typ, err)
			}
		}
		return Created{ResponseID: resp.ID}, nil
	case TypeOutputTextDelta:
		return OutputTextDelta{ItemID: ev.ItemID, Delta: ev.Delta}, nil
	case TypeReasoningSummaryDelta:
		if ev.SummaryIndex < 0 || ev.SummaryIndex > MaxSummaryIndex {
			return nil, fmt.Errorf("%s: summary_index %d out of range [0, %d]", typ, ev.SummaryIndex, MaxSummaryIndex)
		}
		return ReasoningSummaryDelta{ItemID: ev.ItemID, SummaryIndex: ev.SummaryIndex, Delta: ev.Delta}, nil
	case TypeReasoningTextDelta:
		return ReasoningContentDelta{ItemID: ev.ItemID, Delta: ev.Delta}, nil
	case TypeOutputItemAdded, TypeOutputItemDone:
		if len(ev.Item) == 0 {
			return nil, fmt.Errorf("%s without item", typ)
		}
		item, err := core.UnmarshalItem(ev.Item)
		if err != nil {
			return nil, err
		}
		if typ == TypeOutputItemAdded {
			return OutputItemAdded{Item: item}, nil
		}
		return OutputItemDone{Item: item}, nil
	case TypeCustomToolInputDelta:
		return ToolCallInputDelta{ItemID: ev.ItemID, CallID: ev.CallID, Delta: ev.Delta}, nil
	case TypeCustomToolInputDone:
		return ToolCallInputDone{ItemID: ev.ItemID, CallID: ev.CallID, Input: ev.Input}, nil
	case TypeCompleted:
		var resp wireResponse
		if err := json.Unmarshal(ev.Response, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", typ, err)
		}
		return Completed{ResponseID: resp.ID, Usage: resp.usage()}, nil
	case TypeFailed:
		f := Failed{Message: defaultFailedMessage}
		var resp wireResponse
		if len(ev.Response) > 0 && json.Unmarshal(ev.Response, &resp) == nil && resp.Error != nil {
			f.Code = resp.Error.Code
			if resp.Error.Message != "" {
				f.Message = resp.Error.Message
			}
		}
		f.RetryAfter = ParseRetryAfter(f.Code, f.Message)
		return f, nil
	case TypeError:
		return Failed{Code: ev.Code, Message: ev.Message, RetryAfter: ParseRetryAfter(ev.Code, ev.Message)}, nil
	default:
		return nil, &UnknownTypeError{Type: typ}
	}
}

func (r wireResponse) usage() *core.TokenUsage {
	if r.Usage == nil {
		return nil
	}
	u := &core.TokenUsage{
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
		TotalTokens:  r.Usage.TotalTokens,
	}
	if r.Usage.InputTokensDetails != nil {
		u.CachedInputTokens = r.Usage.InputTokensDetails.CachedTokens
	}
	if r.Usage.OutputTokensDetails != nil {
		u.ReasoningTokens = r.Usage.OutputTokensDetails.ReasoningTokens
	}
	return u
}

var retryAfterRe = regexp.MustCompile(`Please try again in (\d+(?:\.\d+)?)(s|ms)`)

// ParseRetryAfter extracts the server requested delay from a rate limit
// message. It returns nil unless code is rate_limit_exceeded.
func ParseRetryAfter(code, message string) *time.Duration {
	if code != CodeRateLimitExceeded {
		return nil
	}
	m := retryAfterRe.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	unit := time.Second
	if m[2] == retryAfterMillisecondsUnit {
		unit = time.Millisecond
	}
	d := time.Duration(math.Round(v * float64(unit)))
	return &d
}

func truncate(data []byte) string {
	if len(data) > maxLoggedPayloadBytes {
		return string(data[:maxLoggedPayloadBytes]) + "..."
	}
	return string(data)
}
