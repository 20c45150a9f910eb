// Package session holds per-conversation state: the ordered, mutex guarded
// History of model visible items, the Session container that owns it along
// with the turn context and session scoped approvals, and the history
// truncation used when forking a conversation.
//
// All locks in this package are taken and released synchronously. No method
// blocks on I/O while holding a lock, so callers may use them from any
// goroutine without coordinating with the turn loop.
package session
