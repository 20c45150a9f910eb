package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/protocol"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error {
	if d.i >= len(d.events) {
		return d.err
	}
	return nil
}

type stubMessages struct {
	params sdk.MessageNewParams
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.params = body
	return s.stream
}

func events(raw ...string) []ssestream.Event {
	out := make([]ssestream.Event, 0, len(raw))
	for _, r := range raw {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(r), &head); err != nil {
			panic(err)
		}
		out = append(out, ssestream.Event{Type: head.Type, Data: []byte(r)})
	}
	return out
}

var script = events(
	`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":10,"output_tokens":0}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"call_1","name":"shell","input":{}}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`,
	`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"[\"ls\"]}"}}`,
	`{"type":"content_block_stop","index":1}`,
	`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
	`{"type":"message_stop"}`,
)

func newStub(evs []ssestream.Event, err error) *stubMessages {
	return &stubMessages{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: evs, err: err}, nil)}
}

func TestStream_MapsEventsToRecords(t *testing.T) {
	stub := newStub(script, nil)
	c := NewFromClient(stub, func(o *Options) { o.Model = "claude-test" })

	src, err := c.Stream(context.Background(), model.Prompt{
		Instructions: "be brief",
		Input:        []core.Item{core.UserMessage("list files")},
		Tools:        []model.ToolSpec{{Kind: model.ToolFunction, Name: "shell", Description: "run", Parameters: map[string]any{"type": "object", "properties": map[string]any{}, "required": []any{"command"}}}},
	})
	require.NoError(t, err)
	defer src.Close()

	var recs []protocol.Record
	for src.Next() {
		recs = append(recs, src.Current())
	}
	require.NoError(t, src.Err())
	require.Len(t, recs, 6)

	assert.Equal(t, protocol.Created{ResponseID: "msg_1"}, recs[0])
	assert.Equal(t, protocol.OutputTextDelta{ItemID: "msg_1_0", Delta: "Hel"}, recs[1])
	assert.Equal(t, protocol.OutputTextDelta{ItemID: "msg_1_0", Delta: "lo"}, recs[2])

	done := recs[3].(protocol.OutputItemDone)
	assert.Equal(t, "Hello", done.Item.(core.Message).Text())

	call := recs[4].(protocol.OutputItemDone).Item.(core.FunctionCall)
	assert.Equal(t, "shell", call.Name)
	assert.Equal(t, "call_1", call.CallID)
	assert.JSONEq(t, `{"command":["ls"]}`, call.Arguments)

	completed := recs[5].(protocol.Completed)
	require.NotNil(t, completed.Usage)
	assert.Equal(t, int64(10), completed.Usage.InputTokens)
	assert.Equal(t, int64(7), completed.Usage.OutputTokens)
	assert.Equal(t, int64(17), completed.Usage.TotalTokens)

	assert.Equal(t, sdk.Model("claude-test"), stub.params.Model)
	require.Len(t, stub.params.System, 1)
	assert.Equal(t, "be brief", stub.params.System[0].Text)
	assert.Len(t, stub.params.Tools, 1)
}

func TestStream_ClosedBeforeStop(t *testing.T) {
	stub := newStub(script[:4], nil)
	src, err := NewFromClient(stub).Stream(context.Background(), model.Prompt{Input: []core.Item{core.UserMessage("hi")}})
	require.NoError(t, err)
	for src.Next() {
	}
	assert.ErrorIs(t, src.Err(), core.ErrStreamClosed)
}

func TestStream_TransportErrorIsRetryable(t *testing.T) {
	stub := newStub(script[:2], errors.New("connection reset"))
	src, err := NewFromClient(stub).Stream(context.Background(), model.Prompt{Input: []core.Item{core.UserMessage("hi")}})
	require.NoError(t, err)
	for src.Next() {
	}
	assert.True(t, core.IsRetryable(src.Err()))
}

func TestStream_RequiresInput(t *testing.T) {
	_, err := NewFromClient(newStub(nil, nil)).Stream(context.Background(), model.Prompt{})
	assert.Error(t, err)
}

func TestEncodeItems_MergesRoles(t *testing.T) {
	ok := false
	msgs, system := encodeItems([]core.Item{
		core.Message{Role: "system", Content: []core.ContentItem{core.InputText{Text: "sys"}}},
		core.UserMessage("run ls"),
		core.AssistantMessage("sure"),
		core.FunctionCall{Name: "shell", Arguments: `{"command":["ls"]}`, CallID: "c1"},
		core.FunctionCallOutput{CallID: "c1", Output: core.FunctionCallOutputPayload{Content: "a.txt", Success: &ok}},
		core.UserMessage("thanks"),
	})
	require.Len(t, system, 1)
	require.Len(t, msgs, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Len(t, msgs[2].Content, 2)
}

func TestProcessor_CustomToolAndThinking(t *testing.T) {
	p := newProcessor(map[string]bool{"apply_patch": true}, nil)
	p.responseID = "r"

	item := p.finish(newBlock(blockTool, "r_0", "apply_patch", "c1", `{"input":"*** Begin Patch"}`))
	assert.Equal(t, core.CustomToolCall{ID: "r_0", CallID: "c1", Name: "apply_patch", Input: "*** Begin Patch"}, item)

	item = p.finish(newBlock(blockThinking, "r_1", "", "", "hmm"))
	assert.Equal(t, []core.ReasoningPart{core.ReasoningText("hmm")}, item.(core.Reasoning).Content)

	assert.Nil(t, p.finish(newBlock(blockText, "r_2", "", "", "")))
}

func newBlock(kind blockKind, id, name, callID, text string) *block {
	b := &block{kind: kind, id: id, name: name, callID: callID}
	b.text.WriteString(text)
	return b
}
