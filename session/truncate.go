package session

import (
	"slices"

	"github.com/hupe1980/codeagent/core"
)

// DropAfterNthLastUserMessage returns the prefix of items that precedes the
// n-th user message counted from the end. n == 0 returns an unchanged copy.
// When fewer than n user messages exist, or the cut point is the very first
// item, the result is empty.
func DropAfterNthLastUserMessage(items []core.Item, n int) []core.Item {
	if n <= 0 {
		return slices.Clone(items)
	}
	cut := -1
	remaining := n
	for i := len(items) - 1; i >= 0; i-- {
		if !core.IsUserMessage(items[i]) {
			continue
		}
		remaining--
		if remaining == 0 {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return []core.Item{}
	}
	return slices.Clone(items[:cut])
}
