package session

import (
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeagent/core"
)

func u(text string) core.Item { return core.UserMessage(text) }
func a(text string) core.Item { return core.AssistantMessage(text) }

func TestHistory_AppendSkipsNonAPIItems(t *testing.T) {
	h := NewHistory()
	h.Append(
		u("hi"),
		core.Message{Role: "system", Content: []core.ContentItem{core.InputText{Text: "sys"}}},
		core.WebSearchCall{ID: "ws"},
		core.OtherItem{Type: "future"},
		core.FunctionCall{Name: "shell", CallID: "c1"},
		nil,
	)
	assert.Equal(t, 2, h.Len())
}

func TestHistory_KeepLastMessages(t *testing.T) {
	build := func() *History {
		return NewHistory(
			core.Message{ID: "1", Role: "user", Content: []core.ContentItem{core.InputText{Text: "u1"}}},
			core.FunctionCall{Name: "shell", CallID: "c1"},
			core.FunctionCallOutput{CallID: "c1"},
			core.Message{ID: "2", Role: "assistant", Content: []core.ContentItem{core.OutputText{Text: "a1"}}},
			core.Message{ID: "3", Role: "user", Content: []core.ContentItem{core.InputText{Text: "u2"}}},
		)
	}

	tests := []struct {
		n    int
		want []core.Item
	}{
		{0, []core.Item(nil)},
		{1, []core.Item{u("u2")}},
		{2, []core.Item{a("a1"), u("u2")}},
		{10, []core.Item{u("u1"), a("a1"), u("u2")}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			h := build()
			h.KeepLastMessages(tt.n)
			assert.Equal(t, tt.want, h.Snapshot())
		})
	}
}

func TestHistory_SnapshotIsCopy(t *testing.T) {
	h := NewHistory(u("a"))
	snap := h.Snapshot()
	snap[0] = u("mutated")
	h.Append(u("b"))
	assert.Equal(t, []core.Item{u("a"), u("b")}, h.Snapshot())
	assert.Len(t, snap, 1)
}

func TestHistory_Replace(t *testing.T) {
	h := NewHistory(u("a"))
	h.Replace([]core.Item{u("x"), core.WebSearchCall{}})
	assert.Equal(t, []core.Item{u("x")}, h.Snapshot())
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	h := NewHistory()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Append(u("x"))
				_ = h.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, h.Len())
}

func TestDropAfterNthLastUserMessage(t *testing.T) {
	history := []core.Item{u("u1"), a("a1"), u("u2"), a("a2"), u("u3"), a("a3")}

	tests := []struct {
		name string
		n    int
		want []core.Item
	}{
		{"zero keeps all", 0, history},
		{"drop last turn", 1, []core.Item{u("u1"), a("a1"), u("u2"), a("a2")}},
		{"drop two turns", 2, []core.Item{u("u1"), a("a1")}},
		{"cut at first item", 3, []core.Item{}},
		{"more than exist", 10, []core.Item{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DropAfterNthLastUserMessage(history, tt.n)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("result does not alias input", func(t *testing.T) {
		got := DropAfterNthLastUserMessage(history, 1)
		got[0] = a("changed")
		assert.Equal(t, u("u1"), history[0])
	})
}

func TestDropAfterNthLastUserMessageProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Each bool stands for one item: true is a user message, false an assistant one.
	toItems := func(roles []bool) []core.Item {
		items := make([]core.Item, len(roles))
		for i, user := range roles {
			if user {
				items[i] = u(fmt.Sprint(i))
			} else {
				items[i] = a(fmt.Sprint(i))
			}
		}
		return items
	}
	countUsers := func(items []core.Item) int {
		n := 0
		for _, it := range items {
			if core.IsUserMessage(it) {
				n++
			}
		}
		return n
	}

	properties.Property("result is a prefix with exactly n fewer user messages or empty", prop.ForAll(
		func(roles []bool, n int) bool {
			items := toItems(roles)
			got := DropAfterNthLastUserMessage(items, n)
			if len(got) > len(items) || (len(got) > 0 && !reflect.DeepEqual(got, items[:len(got)])) {
				return false
			}
			if n == 0 {
				return len(got) == len(items)
			}
			users := countUsers(items)
			if len(got) == 0 {
				return users < n || (users == n && core.IsUserMessage(items[0]))
			}
			return core.IsUserMessage(items[len(got)]) && countUsers(items[len(got):]) == n
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestSession(t *testing.T) {
	tc := core.TurnContext{Cwd: "/work", ApprovalPolicy: core.ApprovalOnRequest, SandboxPolicy: core.WorkspaceWritePolicy("/tmp")}
	s := New("sess-1", tc, u("seed"), core.WebSearchCall{})

	assert.Equal(t, "sess-1", s.ID())
	assert.False(t, s.Created().IsZero())
	assert.Equal(t, 1, s.History().Len())

	got := s.TurnContext()
	got.SandboxPolicy.WritableRoots[0] = "/mutated"
	assert.Equal(t, "/tmp", s.TurnContext().SandboxPolicy.WritableRoots[0])

	policy := core.ApprovalNever
	s.SetTurnContext(tc.Apply(core.OverrideTurnContext{ApprovalPolicy: &policy}))
	assert.Equal(t, core.ApprovalNever, s.TurnContext().ApprovalPolicy)
	assert.Equal(t, "sess-1", s.ID())

	cmd := []string{"git", "status"}
	assert.False(t, s.ApprovedForSession(cmd))
	s.ApproveForSession(cmd)
	assert.True(t, s.ApprovedForSession(cmd))
	assert.False(t, s.ApprovedForSession([]string{"git status"}))
}

func TestLastAssistantMessage(t *testing.T) {
	assert.Equal(t, "a2", LastAssistantMessage([]core.Item{a("a1"), u("u"), a("a2"), core.FunctionCall{}}))
	assert.Empty(t, LastAssistantMessage(nil))
	require.Empty(t, LastAssistantMessage([]core.Item{u("x")}))
}
