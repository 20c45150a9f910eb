package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeagent/aggregate"
	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/internal/testutil"
	"github.com/hupe1980/codeagent/model"
	"github.com/hupe1980/codeagent/protocol"
	"github.com/hupe1980/codeagent/rollout"
	"github.com/hupe1980/codeagent/telemetry"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func fastRetry(n int) model.RetryPolicy {
	return model.RetryPolicy{MaxRetries: n, Backoff: func(int) time.Duration { return time.Millisecond }}
}

func newConversation(t *testing.T, b *testutil.SessionBuilder, client model.Client, optFns ...func(o *Options)) *Conversation {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Client = client
		o.StreamRetry = fastRetry(2)
	}}, optFns...)
	c, err := New(b.Build(), fns...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func shellCall(callID string, args string) core.FunctionCall {
	return core.FunctionCall{Name: "shell", Arguments: args, CallID: callID}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(testutil.NewSessionBuilder("s").Build())
	assert.Error(t, err)
}

func TestConversation_SimpleTurn(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.TextTurn("r1", "Hello, world", "Hello", ", world"))
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(t.TempDir()), client)

	events, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"session_configured", "task_started", "created",
		"output_text_delta", "output_text_delta", "output_item_done", "completed",
		"task_complete",
	}, testutil.Kinds(events))
	cfg := events[0].Msg.(core.SessionConfigured)
	assert.Equal(t, "s1", cfg.SessionID)
	assert.Equal(t, "mock", cfg.Model)

	done := events[len(events)-1].Msg.(core.TaskComplete)
	assert.Equal(t, "Hello, world", done.LastAgentMessage)
	for _, ev := range events[1:] {
		assert.Equal(t, "s1", ev.SessionID)
	}

	assert.Equal(t, []string{"user:hi", "assistant:Hello, world"}, testutil.Texts(c.Session().History().Snapshot()))
	assert.Equal(t, StateIdle, c.State())
}

func TestConversation_CollapsedMode(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.TextTurn("r1", "Hello, world", "Hello", ", world"))
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client, func(o *Options) {
		o.Aggregation = aggregate.ModeCollapsed
	})

	events, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"session_configured", "task_started", "created", "output_item_done", "completed", "task_complete",
	}, testutil.Kinds(events))
}

func TestConversation_ToolCallFollowUp(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(
		model.ItemsTurn("r1", shellCall("call_1", `{"command":["echo","from-shell"]}`)),
		model.TextTurn("r2", "done"),
	)
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(t.TempDir()), client)

	events, err := Run(ctx, c, "run it", nil)
	require.NoError(t, err)

	kinds := testutil.Kinds(events)
	assert.Contains(t, kinds, "exec_command_begin")
	assert.Contains(t, kinds, "exec_command_end")
	assert.NotContains(t, kinds, "exec_approval_request")
	assert.Equal(t, "task_complete", kinds[len(kinds)-1])

	end, ok := testutil.Find[core.ExecCommandEnd](events)
	require.True(t, ok)
	assert.Equal(t, 0, end.ExitCode)

	prompts := client.Prompts()
	require.Len(t, prompts, 2)
	last := prompts[1].Input[len(prompts[1].Input)-1]
	out, ok := last.(core.FunctionCallOutput)
	require.True(t, ok)
	assert.Equal(t, "call_1", out.CallID)
	assert.Contains(t, out.Output.Content, "from-shell")
	assert.NotEmpty(t, prompts[0].Tools)
}

func TestConversation_ApprovalKeepsTurnActive(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	client := model.NewMockClient(
		model.ItemsTurn("r1", shellCall("call_1", `{"command":["mkdir","made"]}`)),
		model.TextTurn("r2", "created"),
	)
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(dir).Policy(core.ApprovalUntrusted), client)

	var stateAtRequest State
	events, err := Run(ctx, c, "make a dir", func(ev core.Event) {
		req, ok := ev.Msg.(core.ExecApprovalRequest)
		if !ok {
			return
		}
		stateAtRequest = c.State()
		assert.Equal(t, ContinueTurn, Classify(ev.Msg))
		_, err := c.Submit(ctx, core.ExecApproval{ID: req.CallID, Decision: core.DecisionApproved})
		assert.NoError(t, err)
	})
	require.NoError(t, err)

	assert.Equal(t, StateTurnActive, stateAtRequest)
	assert.Contains(t, testutil.Kinds(events), "exec_approval_request")
	assert.IsType(t, core.TaskComplete{}, events[len(events)-1].Msg)
	assert.DirExists(t, filepath.Join(dir, "made"))
}

func TestConversation_DeniedCommandContinues(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	client := model.NewMockClient(
		model.ItemsTurn("r1", shellCall("call_1", `{"command":["mkdir","made"]}`)),
		model.TextTurn("r2", "ok, not doing it"),
	)
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(dir).Policy(core.ApprovalUntrusted), client)

	events, err := Run(ctx, c, "make a dir", func(ev core.Event) {
		if req, ok := ev.Msg.(core.ExecApprovalRequest); ok {
			_, _ = c.Submit(ctx, core.ExecApproval{ID: req.CallID, Decision: core.DecisionDenied})
		}
	})
	require.NoError(t, err)

	done, ok := events[len(events)-1].Msg.(core.TaskComplete)
	require.True(t, ok)
	assert.Equal(t, "ok, not doing it", done.LastAgentMessage)
	assert.NoDirExists(t, filepath.Join(dir, "made"))

	prompts := client.Prompts()
	require.Len(t, prompts, 2)
	out := prompts[1].Input[len(prompts[1].Input)-1].(core.FunctionCallOutput)
	assert.Equal(t, "exec command rejected by user", out.Output.Content)
}

func TestConversation_AbortDecisionEndsTurn(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.ItemsTurn("r1", shellCall("call_1", `{"command":["mkdir","made"]}`)))
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(t.TempDir()).Policy(core.ApprovalUntrusted), client)

	events, err := Run(ctx, c, "make a dir", func(ev core.Event) {
		if req, ok := ev.Msg.(core.ExecApprovalRequest); ok {
			_, _ = c.Submit(ctx, core.ExecApproval{ID: req.CallID, Decision: core.DecisionAbort})
		}
	})
	require.NoError(t, err)

	ti, ok := events[len(events)-1].Msg.(core.TurnInterrupted)
	require.True(t, ok)
	assert.Equal(t, "aborted", ti.Reason)
	assert.Len(t, client.Prompts(), 1)
}

func TestConversation_InterruptStreamingTurn(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.MockTurn{
		Records: []protocol.Record{protocol.Created{ResponseID: "r1"}},
		Hold:    true,
	})
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client)

	_, err := c.Submit(ctx, core.UserInput{Text: "long"})
	require.NoError(t, err)

	for {
		ev, err := c.NextEvent(ctx)
		require.NoError(t, err)
		if _, ok := ev.Msg.(core.Created); ok {
			break
		}
	}
	assert.Equal(t, StateTurnActive, c.State())

	_, err = c.Submit(ctx, core.Interrupt{})
	require.NoError(t, err)

	ev, err := c.NextEvent(ctx)
	require.NoError(t, err)
	ti, ok := ev.Msg.(core.TurnInterrupted)
	require.True(t, ok, "got %s", ev.Msg.Kind())
	assert.Equal(t, "interrupted", ti.Reason)
	assert.Equal(t, StateIdle, c.State())
}

func TestConversation_InterruptAbortsPendingApproval(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.ItemsTurn("r1", shellCall("call_1", `{"command":["mkdir","made"]}`)))
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(t.TempDir()).Policy(core.ApprovalUntrusted), client)

	events, err := Run(ctx, c, "make a dir", func(ev core.Event) {
		if _, ok := ev.Msg.(core.ExecApprovalRequest); ok {
			_, _ = c.Submit(ctx, core.Interrupt{})
		}
	})
	require.NoError(t, err)

	ti, ok := events[len(events)-1].Msg.(core.TurnInterrupted)
	require.True(t, ok)
	assert.Equal(t, "interrupted", ti.Reason)
	require.NoError(t, c.opts.Approvals.Wait(ctx))
	assert.Equal(t, 0, c.opts.Approvals.Pending())
}

func TestConversation_InterruptWhenIdleIsIgnored(t *testing.T) {
	ctx := testContext(t)
	c := newConversation(t, testutil.NewSessionBuilder("s1"), model.NewMockClient())

	_, err := c.Submit(ctx, core.Interrupt{})
	require.NoError(t, err)
	_, err = c.Submit(ctx, core.GetHistory{})
	require.NoError(t, err)

	var kinds []string
	for len(kinds) < 2 {
		ev, err := c.NextEvent(ctx)
		require.NoError(t, err)
		kinds = append(kinds, ev.Msg.Kind())
	}
	assert.Equal(t, []string{"session_configured", "conversation_history"}, kinds)
	assert.Equal(t, StateIdle, c.State())
}

func TestConversation_StreamRetry(t *testing.T) {
	ctx := testContext(t)
	zero := time.Duration(0)
	client := model.NewMockClient(
		model.MockTurn{
			Records:   []protocol.Record{protocol.Created{ResponseID: "r1"}},
			StreamErr: &core.StreamError{Message: "connection reset", RetryAfter: &zero},
		},
		model.TextTurn("r2", "recovered"),
	)
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client)

	events, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)

	retry, ok := testutil.Find[core.StreamRetry](events)
	require.True(t, ok)
	assert.Equal(t, 1, retry.Attempt)
	assert.Equal(t, 2, retry.Max)
	assert.Equal(t, time.Duration(0), retry.Delay)
	assert.Contains(t, retry.Message, "connection reset")

	done := events[len(events)-1].Msg.(core.TaskComplete)
	assert.Equal(t, "recovered", done.LastAgentMessage)
	// the failed attempt leaves no trace in history
	assert.Equal(t, []string{"user:hi", "assistant:recovered"}, testutil.Texts(c.Session().History().Snapshot()))
}

func TestConversation_RetryLimit(t *testing.T) {
	ctx := testContext(t)
	failing := model.MockTurn{StreamErr: core.ErrStreamClosed}
	client := model.NewMockClient(failing, failing, failing)
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client, func(o *Options) {
		o.StreamRetry = fastRetry(1)
	})

	events, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)

	e, ok := events[len(events)-1].Msg.(core.Error)
	require.True(t, ok)
	assert.Equal(t, core.ErrorKindRetryLimit, e.ErrKind)
	assert.Len(t, client.Prompts(), 2)
}

func TestConversation_UsageLimitIsNotRetried(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.MockTurn{RequestErr: &core.UsageLimitError{Code: "usage_limit_reached"}})
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client)

	events, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)

	assert.NotContains(t, testutil.Kinds(events), "stream_retry")
	e := events[len(events)-1].Msg.(core.Error)
	assert.Equal(t, core.ErrorKindUsageLimit, e.ErrKind)
	assert.Len(t, client.Prompts(), 1)
}

func TestConversation_MaxModelCalls(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(
		model.ItemsTurn("r1", shellCall("call_1", `{"command":["echo","again"]}`)),
		model.TextTurn("r2", "never sent"),
	)
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(t.TempDir()), client, func(o *Options) {
		o.MaxModelCalls = 1
	})

	events, err := Run(ctx, c, "loop", nil)
	require.NoError(t, err)

	e, ok := events[len(events)-1].Msg.(core.Error)
	require.True(t, ok)
	assert.Equal(t, core.ErrorKindInternal, e.ErrKind)
	assert.Contains(t, e.Message, ErrModelCallLimit.Error())
	assert.Len(t, client.Prompts(), 1)
}

func TestCallLimiter(t *testing.T) {
	l := newCallLimiter(2)
	assert.NoError(t, l.increment())
	assert.Equal(t, 1, l.remaining())
	assert.NoError(t, l.increment())
	assert.ErrorIs(t, l.increment(), ErrModelCallLimit)

	unlimited := newCallLimiter(0)
	for range 10 {
		require.NoError(t, unlimited.increment())
	}
	assert.Equal(t, -1, unlimited.remaining())
}

func TestConversation_TrimBeforeSend(t *testing.T) {
	ctx := testContext(t)
	store := rollout.NewMemoryStore()
	rec := rollout.NewRecorder(store, "s1")
	client := model.NewMockClient(model.TextTurn("r1", "one"), model.TextTurn("r2", "two"))
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client, func(o *Options) {
		o.Recorder = rec
		o.KeepLastMessages = 1
	})

	for _, in := range []string{"first", "second"} {
		events, err := Run(ctx, c, in, nil)
		require.NoError(t, err)
		require.IsType(t, core.TaskComplete{}, events[len(events)-1].Msg)

		// persisted before the completion event was delivered
		lines, err := store.Load(ctx, "s1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(lines), 2)
		snap := lines[len(lines)-2]
		assert.Equal(t, core.LineHistorySnapshot, snap.Type)
		assert.LessOrEqual(t, len(snap.Snapshot), 1)
		assert.Equal(t, MarkerTaskComplete, lines[len(lines)-1].Event)
		assert.Equal(t, 1, c.Session().History().Len())
	}
	assert.Equal(t, []string{"assistant:two"}, testutil.Texts(c.Session().History().Snapshot()))
}

func TestConversation_GetHistoryAndOverride(t *testing.T) {
	ctx := testContext(t)
	seed := testutil.NewHistoryBuilder().Turns("1").Build()
	c := newConversation(t, testutil.NewSessionBuilder("s1").History(seed...), model.NewMockClient())

	first, err := c.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Msg.(core.SessionConfigured).HistoryLen)

	never := core.ApprovalNever
	_, err = c.Submit(ctx, core.OverrideTurnContext{ApprovalPolicy: &never})
	require.NoError(t, err)
	subID, err := c.Submit(ctx, core.GetHistory{})
	require.NoError(t, err)

	ev, err := c.NextEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, subID, ev.ID)
	h := ev.Msg.(core.ConversationHistory)
	assert.Equal(t, "s1", h.ConversationID)
	assert.Equal(t, []string{"user:u1", "assistant:a1"}, testutil.Texts(h.Entries))
	assert.Equal(t, core.ApprovalNever, c.Session().TurnContext().ApprovalPolicy)
}

func TestConversation_InputInjectedIntoRunningTurn(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.TextTurn("r1", "one"), model.TextTurn("r2", "two"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	hold := NewFunctionCallback(CallbackAfterModel, func(context.Context, *CallbackContext) error {
		calls++
		if calls == 1 {
			close(entered)
			<-release
		}
		return nil
	})
	c := newConversation(t, testutil.NewSessionBuilder("s1"), client, func(o *Options) {
		o.Callbacks = NewCallbackManager(hold)
	})

	_, err := c.Submit(ctx, core.UserInput{Text: "first"})
	require.NoError(t, err)
	<-entered
	_, err = c.Submit(ctx, core.UserInput{Text: "more"})
	require.NoError(t, err)
	_, err = c.Submit(ctx, core.GetHistory{})
	require.NoError(t, err)

	// the history reply proves the input was handled while the turn ran
	var early []core.Event
	for {
		ev, err := c.NextEvent(ctx)
		require.NoError(t, err)
		early = append(early, ev)
		if _, ok := ev.Msg.(core.ConversationHistory); ok {
			break
		}
	}
	close(release)

	rest, err := Collect(ctx, c, nil)
	require.NoError(t, err)
	done := rest[len(rest)-1].Msg.(core.TaskComplete)
	assert.Equal(t, "two", done.LastAgentMessage)
	assert.Equal(t, 1, testutil.CountKind(append(early, rest...), "task_started"))
	assert.Zero(t, testutil.CountKind(rest, "task_started"))

	prompts := client.Prompts()
	require.Len(t, prompts, 2)
	assert.Equal(t, []string{"user:first", "assistant:one", "user:more"}, testutil.Texts(prompts[1].Input))
}

func TestConversation_BeforeToolCallbackRejects(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	client := model.NewMockClient(
		model.ItemsTurn("r1", shellCall("call_1", `{"command":["touch","x"]}`)),
		model.TextTurn("r2", "fine"),
	)
	deny := NewFunctionCallback(CallbackBeforeTool, func(context.Context, *CallbackContext) error {
		return errors.New("tools are disabled")
	})
	c := newConversation(t, testutil.NewSessionBuilder("s1").Cwd(dir).Policy(core.ApprovalNever), client, func(o *Options) {
		o.Callbacks = NewCallbackManager(deny)
	})

	events, err := Run(ctx, c, "touch", nil)
	require.NoError(t, err)
	assert.NotContains(t, testutil.Kinds(events), "exec_command_begin")
	_, statErr := os.Stat(filepath.Join(dir, "x"))
	assert.True(t, os.IsNotExist(statErr))

	out := client.Prompts()[1].Input[2].(core.FunctionCallOutput)
	assert.Equal(t, "tools are disabled", out.Output.Content)
}

func TestConversation_RendersInstructions(t *testing.T) {
	ctx := testContext(t)
	client := model.NewMockClient(model.TextTurn("r1", "ok"))
	c := newConversation(t,
		testutil.NewSessionBuilder("s1").Cwd("/work").Instructions("cwd={{.Cwd}} policy={{.ApprovalPolicy}}"),
		client)

	_, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "cwd=/work policy=on-request", client.Prompts()[0].Instructions)
}

func TestConversation_Metrics(t *testing.T) {
	ctx := testContext(t)
	metrics := telemetry.NewRecorder()
	c := newConversation(t, testutil.NewSessionBuilder("s1"), model.NewMockClient(model.TextTurn("r1", "ok")),
		func(o *Options) { o.Metrics = metrics })

	_, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.Counter(telemetry.MetricTurns, "outcome", "completed"))
}

func TestConversation_Shutdown(t *testing.T) {
	ctx := testContext(t)
	store := rollout.NewMemoryStore()
	c := newConversation(t, testutil.NewSessionBuilder("s1"), model.NewMockClient(model.TextTurn("r1", "ok")),
		func(o *Options) { o.Recorder = rollout.NewRecorder(store, "s1") })

	_, err := Run(ctx, c, "hi", nil)
	require.NoError(t, err)

	_, err = c.Submit(ctx, core.Shutdown{})
	require.NoError(t, err)
	events, err := Collect(ctx, c, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"shutdown_complete"}, testutil.Kinds(events))

	_, err = c.NextEvent(ctx)
	assert.ErrorIs(t, err, core.ErrShutdown)
	<-c.Done()
	_, err = c.Submit(ctx, core.UserInput{Text: "late"})
	assert.ErrorIs(t, err, core.ErrShutdown)

	lines, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, MarkerTaskComplete, lines[len(lines)-1].Event)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  core.EventMsg
		want HandleResult
	}{
		{core.ExecApprovalRequest{}, ContinueTurn},
		{core.ApplyPatchApprovalRequest{}, ContinueTurn},
		{core.OutputTextDelta{}, ContinueTurn},
		{core.StreamRetry{}, ContinueTurn},
		{core.TaskComplete{}, EndTurn},
		{core.TurnInterrupted{}, EndTurn},
		{core.Error{}, EndTurn},
		{core.ShutdownComplete{}, EndTurn},
	}
	for _, tt := range tests {
		t.Run(tt.msg.Kind(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg))
		})
	}
}

func TestClassify_ElicitationSequence(t *testing.T) {
	seq := []core.EventMsg{core.ExecApprovalRequest{}, core.ApplyPatchApprovalRequest{}, core.TaskComplete{}}
	state := StateTurnActive
	var states []State
	for _, msg := range seq {
		if Classify(msg) == EndTurn {
			state = StateIdle
		}
		states = append(states, state)
	}
	assert.Equal(t, []State{StateTurnActive, StateTurnActive, StateIdle}, states)
}
