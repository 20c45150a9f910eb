package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/protocol"
)

const okBody = "event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"r1\"}}\n\n" +
	"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"item_id\":\"m1\",\"delta\":\"hi\"}\n\n" +
	"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"id\":\"r1\"}}\n\n"

func newTestClient(t *testing.T, h http.HandlerFunc, optFns ...func(o *Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	fns := append([]func(o *Options){func(o *Options) {
		o.APIKey = "test"
		o.BaseURL = srv.URL + "/"
		o.Retry = model.RetryPolicy{MaxRetries: 2, Backoff: func(int) time.Duration { return time.Millisecond }}
	}}, optFns...)
	return New(fns...)
}

func TestStream_Success(t *testing.T) {
	var got request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		data, _ := io.ReadAll(r.Body)
		var raw map[string]any
		assert.NoError(t, json.Unmarshal(data, &raw))
		got.Model, _ = raw["model"].(string)
		got.Instructions, _ = raw["instructions"].(string)
		got.Stream, _ = raw["stream"].(bool)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, okBody)
	}, func(o *Options) { o.Model = "gpt-test" })

	src, err := c.Stream(context.Background(), model.Prompt{
		Instructions: "be brief",
		Input:        []core.Item{core.UserMessage("hello")},
		Tools:        []model.ToolSpec{{Kind: model.ToolFunction, Name: "shell", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	defer src.Close()

	var recs []protocol.Record
	for src.Next() {
		recs = append(recs, src.Current())
	}
	require.NoError(t, src.Err())
	require.Len(t, recs, 3)
	assert.Equal(t, protocol.OutputTextDelta{ItemID: "m1", Delta: "hi"}, recs[1])
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, "be brief", got.Instructions)
	assert.True(t, got.Stream)
	assert.Equal(t, model.Info{Name: "gpt-test", Provider: "openai", SupportsTools: true}, c.Info())
}

func TestStream_UsageLimitIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"usage_limit_reached","message":"limit","plan_type":"plus","resets_in_seconds":60}}`)
	})

	_, err := c.Stream(context.Background(), model.Prompt{})
	var usage *core.UsageLimitError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, "plus", usage.PlanType)
	assert.Equal(t, time.Minute, usage.ResetsIn)
	assert.False(t, usage.NotInPlan)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, core.ErrorKindUsageLimit, core.KindOf(err))
}

func TestStream_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"oops"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, okBody)
	})

	src, err := c.Stream(context.Background(), model.Prompt{})
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestStream_RetryLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"rate_limit_exceeded"}}`)
	})

	_, err := c.Stream(context.Background(), model.Prompt{})
	var limit *core.RetryLimitError
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, http.StatusTooManyRequests, limit.Status)
	assert.Equal(t, 3, limit.Attempts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStream_UnexpectedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad input"}}`)
	})

	_, err := c.Stream(context.Background(), model.Prompt{})
	var status *core.UnexpectedStatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusBadRequest, status.Status)
	assert.Contains(t, status.Body, "bad input")
}

func TestRetryAfter(t *testing.T) {
	res := &http.Response{Header: http.Header{}}
	assert.Nil(t, retryAfter(res))
	assert.Nil(t, retryAfter(nil))

	res.Header.Set("Retry-After", "2")
	require.NotNil(t, retryAfter(res))
	assert.Equal(t, 2*time.Second, *retryAfter(res))

	res.Header.Set("retry-after-ms", "150")
	assert.Equal(t, 150*time.Millisecond, *retryAfter(res))
}

func TestBuildRequest_Reasoning(t *testing.T) {
	c := New(func(o *Options) {
		o.APIKey = "test"
		o.ReasoningEffort = "high"
		o.ReasoningSummary = "auto"
	})
	req := c.buildRequest(model.Prompt{})
	require.NotNil(t, req.Reasoning)
	assert.Equal(t, "high", req.Reasoning.Effort)
	assert.Equal(t, []string{"reasoning.encrypted_content"}, req.Include)
	assert.NotNil(t, req.Input)
	assert.Equal(t, DefaultModel, req.Model)
}
