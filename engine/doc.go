// Package engine implements the per-session submission/event loop.
//
// A Conversation owns one session.Session. Clients push operations with
// Submit and read domain events with NextEvent (or the Events channel).
// Events are delivered in exactly the order they are produced.
//
// # States
//
// A conversation is Idle or TurnActive:
//
//   - Idle + UserInput starts a turn task.
//   - TurnActive + UserInput injects the input into the running turn; it is
//     sent with the next sampling round.
//   - ExecApproval and PatchApproval are routed to the approval coordinator
//     in any state and never end a turn.
//   - TurnActive + Interrupt cancels the turn task, resolves its pending
//     approvals as Abort, waits for the task to exit and then emits
//     TurnInterrupted.
//   - Shutdown interrupts the active turn, flushes the rollout recorder and
//     emits ShutdownComplete as the last event.
//
// Approval requests emitted while a tool waits for the user are
// elicitations: Classify reports ContinueTurn for them. Only TaskComplete,
// TurnInterrupted, Error and ShutdownComplete end a turn.
//
// # Turn task
//
// A turn records the user input, then loops: build a prompt from the
// history, stream one model response through the aggregator, forward every
// event, record the completed items and dispatch tool calls through the tool
// router. The loop repeats while tool outputs or injected input need a
// follow-up. Failed streams are retried according to Options.StreamRetry
// with a StreamRetry event per attempt; usage limits and exhausted retries
// end the turn with an Error event of stable kind.
//
// # Completion ordering
//
// A turn completes in a fixed order: the active turn is deregistered, the
// history is trimmed (Options.KeepLastMessages) under its own lock, the
// history snapshot and the turn marker are persisted and flushed, and only
// then is the completion event sent. A client that observes TaskComplete
// therefore never sees the pre-trim history.
package engine
