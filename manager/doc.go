// Package manager owns the set of live conversations.
//
// A Manager spawns conversations with fresh session ids, forks them from an
// existing history, resumes them from their rollout and removes them again.
// Every conversation it starts is registered in a Registry until it is
// removed, evicted or shuts down on its own.
//
// When a rollout store is configured each new session log starts with a
// session meta line; forks additionally persist their seed as a history
// snapshot so that resuming a fork replays the truncated history.
package manager
