// Package rollout persists session logs ("rollouts") so conversations can be
// resumed and forked after a restart.
//
// A rollout is an append-only sequence of core.RolloutLine records whose
// first line is the session metadata. The core.RolloutStore contract lives in
// the core package; this package provides the file and in-memory backends
// and the Recorder, an ordered asynchronous writer used by the engine.
// Subpackages redis and mongo provide networked backends.
package rollout
