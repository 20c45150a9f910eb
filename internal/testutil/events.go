package testutil

import (
	"github.com/hupe1980/codeagent/core"
)

// Kinds returns the event kinds in order.
func Kinds(events []core.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Msg.Kind())
	}
	return out
}

// Find returns the first event message of type T.
func Find[T core.EventMsg](events []core.Event) (T, bool) {
	for _, ev := range events {
		if m, ok := ev.Msg.(T); ok {
			return m, true
		}
	}
	var zero T
	return zero, false
}

// Texts returns the text of every message in items, prefixed by role.
func Texts(items []core.Item) []string {
	var out []string
	for _, it := range items {
		if m, ok := it.(core.Message); ok {
			out = append(out, m.Role+":"+m.Text())
		}
	}
	return out
}

// CountKind returns how many events have the given kind.
func CountKind(events []core.Event, kind string) int {
	n := 0
	for _, ev := range events {
		if ev.Msg.Kind() == kind {
			n++
		}
	}
	return n
}
