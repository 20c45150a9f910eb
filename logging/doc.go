// Package logging provides the minimal Logger interface used across the
// runtime, a slog adapter, a no-op default and RuntimeLogger, a contextual
// structured logger with helpers for model calls, tool calls and approvals.
package logging
