package aggregate

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/protocol"
)

func drain(t *testing.T, a *Aggregator) []core.EventMsg {
	t.Helper()
	var out []core.EventMsg
	for a.Next() {
		out = append(out, a.Current())
	}
	return out
}

func collapsed(records ...protocol.Record) *Aggregator {
	return New(protocol.NewStaticSource(records, nil), ModeCollapsed)
}

func TestCollapsed_Ordering(t *testing.T) {
	a := collapsed(
		protocol.OutputTextDelta{Delta: "Hello"},
		protocol.OutputTextDelta{Delta: ", world"},
		protocol.Completed{ResponseID: "r1"},
	)

	got := drain(t, a)
	require.NoError(t, a.Err())
	assert.Equal(t, []core.EventMsg{
		core.OutputItemDone{Item: core.Message{Role: "assistant", Content: []core.ContentItem{core.OutputText{Text: "Hello, world"}}}},
		core.Completed{ResponseID: "r1"},
	}, got)
}

func TestCollapsed_DeltasThenDoneProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("one item done equal to the ordered concatenation", prop.ForAll(
		func(deltas []string) bool {
			records := make([]protocol.Record, 0, len(deltas)+2)
			for _, d := range deltas {
				records = append(records, protocol.OutputTextDelta{ItemID: "x", Delta: d})
			}
			records = append(records,
				protocol.OutputItemDone{Item: core.Message{ID: "x", Role: "assistant"}},
				protocol.Completed{ResponseID: "r"},
			)
			a := collapsed(records...)

			var done []core.OutputItemDone
			for a.Next() {
				if d, ok := a.Current().(core.OutputItemDone); ok {
					done = append(done, d)
				}
			}
			if a.Err() != nil || len(done) != 1 {
				return false
			}
			msg, ok := done[0].Item.(core.Message)
			return ok && msg.Text() == strings.Join(deltas, "")
		},
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

func TestCollapsed_InlineContentWithoutDeltas(t *testing.T) {
	item := core.Message{ID: "m1", Role: "assistant", Content: []core.ContentItem{core.OutputText{Text: "inline"}}}
	a := collapsed(protocol.OutputItemDone{Item: item}, protocol.Completed{})

	got := drain(t, a)
	require.Len(t, got, 2)
	assert.Equal(t, core.OutputItemDone{Item: item}, got[0])
}

func TestCollapsed_DuplicateDoneAndLateDeltas(t *testing.T) {
	a := collapsed(
		protocol.OutputTextDelta{ItemID: "m1", Delta: "a"},
		protocol.OutputItemDone{Item: core.Message{ID: "m1", Role: "assistant"}},
		protocol.OutputItemDone{Item: core.Message{ID: "m1", Role: "assistant"}},
		protocol.OutputTextDelta{ItemID: "m1", Delta: "late"},
		protocol.Completed{ResponseID: "r"},
	)

	got := drain(t, a)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].(core.OutputItemDone).Item.(core.Message).Text())
	assert.Equal(t, core.Completed{ResponseID: "r"}, got[1])
}

func TestCollapsed_CompletedFlushesInFirstSeenOrder(t *testing.T) {
	a := collapsed(
		protocol.Created{ResponseID: "r"},
		protocol.ReasoningSummaryDelta{ItemID: "rs", Delta: "think"},
		protocol.OutputTextDelta{ItemID: "m2", Delta: "two"},
		protocol.ReasoningSummaryDelta{ItemID: "rs", SummaryIndex: 1, Delta: "more"},
		protocol.ReasoningContentDelta{ItemID: "rs", Delta: "raw"},
		protocol.OutputTextDelta{ItemID: "m3", Delta: "three"},
		protocol.Completed{ResponseID: "r"},
	)

	got := drain(t, a)
	require.NoError(t, a.Err())
	require.Len(t, got, 5)
	assert.Equal(t, core.Created{ResponseID: "r"}, got[0])
	assert.Equal(t, core.OutputItemDone{Item: core.Reasoning{
		ID:      "rs",
		Summary: []core.ReasoningPart{core.SummaryText("think"), core.SummaryText("more")},
		Content: []core.ReasoningPart{core.ReasoningText("raw")},
	}}, got[1])
	assert.Equal(t, "m2", got[2].(core.OutputItemDone).Item.(core.Message).ID)
	assert.Equal(t, "three", got[3].(core.OutputItemDone).Item.(core.Message).Text())
	assert.Equal(t, core.Completed{ResponseID: "r"}, got[4])
}

func TestCollapsed_InvalidSummaryIndexDropped(t *testing.T) {
	a := collapsed(
		protocol.ReasoningSummaryDelta{ItemID: "rs", SummaryIndex: -1, Delta: "neg"},
		protocol.ReasoningSummaryDelta{ItemID: "rs", SummaryIndex: 2_000_000_000, Delta: "huge"},
		protocol.ReasoningSummaryDelta{ItemID: "rs", Delta: "kept"},
		protocol.Completed{ResponseID: "r"},
	)

	var got []core.EventMsg
	require.NotPanics(t, func() { got = drain(t, a) })
	require.NoError(t, a.Err())
	require.Len(t, got, 2)
	reasoning := got[0].(core.OutputItemDone).Item.(core.Reasoning)
	assert.Equal(t, []core.ReasoningPart{core.SummaryText("kept")}, reasoning.Summary)
	assert.Equal(t, core.Completed{ResponseID: "r"}, got[1])
}

func TestCollapsed_CustomToolInput(t *testing.T) {
	a := collapsed(
		protocol.OutputItemAdded{Item: core.CustomToolCall{ID: "ct", CallID: "c1", Name: "apply_patch"}},
		protocol.ToolCallInputDelta{ItemID: "ct", CallID: "c1", Delta: "*** Begin"},
		protocol.ToolCallInputDelta{ItemID: "ct", CallID: "c1", Delta: " Patch"},
		protocol.ToolCallInputDone{ItemID: "ct", CallID: "c1", Input: "*** Begin Patch"},
		protocol.OutputItemDone{Item: core.CustomToolCall{ID: "ct", CallID: "c1", Name: "apply_patch"}},
		protocol.Completed{},
	)

	got := drain(t, a)
	require.Len(t, got, 2)
	assert.Equal(t, core.OutputItemDone{Item: core.CustomToolCall{ID: "ct", CallID: "c1", Name: "apply_patch", Input: "*** Begin Patch"}}, got[0])
}

func TestRaw_ForwardsDeltas(t *testing.T) {
	item := core.AssistantMessage("hi")
	a := New(protocol.NewStaticSource([]protocol.Record{
		protocol.Created{ResponseID: "r"},
		protocol.OutputItemAdded{Item: item},
		protocol.OutputTextDelta{ItemID: "m", Delta: "h"},
		protocol.ReasoningSummaryDelta{ItemID: "rs", Delta: "s"},
		protocol.ReasoningContentDelta{ItemID: "rs", Delta: "c"},
		protocol.ToolCallInputDelta{ItemID: "ct", Delta: "ignored"},
		protocol.OutputItemDone{Item: item},
		protocol.Completed{ResponseID: "r"},
	}, nil), ModeRaw)

	got := drain(t, a)
	require.NoError(t, a.Err())
	assert.Equal(t, []core.EventMsg{
		core.Created{ResponseID: "r"},
		core.OutputTextDelta{ItemID: "m", Delta: "h"},
		core.ReasoningDelta{ItemID: "rs", Delta: "s"},
		core.ReasoningDelta{ItemID: "rs", Delta: "c"},
		core.OutputItemDone{Item: item},
		core.Completed{ResponseID: "r"},
	}, got)
}

func TestFailed(t *testing.T) {
	retry := 2 * time.Second
	tests := []struct {
		name   string
		failed protocol.Failed
		check  func(t *testing.T, err error)
	}{
		{"usage limit", protocol.Failed{Code: CodeUsageLimitReached, Message: "limit"}, func(t *testing.T, err error) {
			var ul *core.UsageLimitError
			require.ErrorAs(t, err, &ul)
			assert.False(t, ul.NotInPlan)
			assert.False(t, core.IsRetryable(err))
		}},
		{"not in plan", protocol.Failed{Code: CodeUsageNotIncluded}, func(t *testing.T, err error) {
			var ul *core.UsageLimitError
			require.ErrorAs(t, err, &ul)
			assert.True(t, ul.NotInPlan)
		}},
		{"stream", protocol.Failed{Code: "rate_limit_exceeded", Message: "slow", RetryAfter: &retry}, func(t *testing.T, err error) {
			var se *core.StreamError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, &retry, se.RetryAfter)
			assert.True(t, core.IsRetryable(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := collapsed(protocol.OutputTextDelta{Delta: "x"}, tt.failed)
			assert.Empty(t, drain(t, a))
			tt.check(t, a.Err())
		})
	}
}

func TestEarlyClose(t *testing.T) {
	a := New(protocol.NewStaticSource([]protocol.Record{protocol.OutputTextDelta{Delta: "x"}}, nil), ModeRaw)
	got := drain(t, a)
	assert.Len(t, got, 1)
	assert.ErrorIs(t, a.Err(), core.ErrStreamClosed)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Collapsed")
	require.NoError(t, err)
	assert.Equal(t, ModeCollapsed, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRaw, m)
	_, err = ParseMode("bogus")
	assert.Error(t, err)
	assert.Equal(t, "collapsed", ModeCollapsed.String())
}
