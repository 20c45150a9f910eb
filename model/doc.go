// Package model defines the provider-agnostic client used by the engine to
// sample a turn, plus helpers shared by the providers.
//
// A Client turns a Prompt (instructions, conversation items, tool specs) into
// a protocol.Source of stream records. Providers live in sub packages:
//   - openai: the Responses API over server-sent events
//   - anthropic: the Messages streaming API mapped onto the same records
//
// MockClient replays scripted record sequences for tests and examples.
package model
