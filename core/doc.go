// Package core provides the foundational domain types shared by the session
// runtime. It defines:
//
//   - Items (messages, reasoning, tool calls and tool outputs)
//   - Events (the tagged payloads delivered to clients)
//   - Submissions (operations clients send to a conversation)
//   - Policies and the per-turn context
//   - Rollout records and the RolloutStore persistence interface
//   - Sentinel and typed errors with a stable ErrorKind classification
//
// All variant sets are closed through unexported marker methods so consumers
// can switch exhaustively on concrete types. Implementations (decoding,
// aggregation, persistence, orchestration) live in sibling packages.
package core
