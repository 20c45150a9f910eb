package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound is returned when a conversation id is not registered.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStreamClosed is returned when the transport ends without a terminal record.
	ErrStreamClosed = errors.New("stream closed before response.completed")
	// ErrIdleTimeout is returned when no record arrives within the idle window.
	ErrIdleTimeout = errors.New("idle timeout waiting for SSE")
	// ErrInterrupted marks work abandoned because the turn was interrupted.
	ErrInterrupted = errors.New("turn interrupted")
	// ErrShutdown is returned by operations on a conversation that has stopped.
	ErrShutdown = errors.New("conversation shut down")
	// ErrSessionMetaMissing is returned when a rollout does not start with session metadata.
	ErrSessionMetaMissing = errors.New("rollout does not start with session meta")
	// ErrRolloutNotFound is returned when no rollout exists for a session id.
	ErrRolloutNotFound = errors.New("rollout not found")
)

// ErrorKind is the stable classification carried by Error events.
type ErrorKind string

const (
	ErrorKindStream           ErrorKind = "stream"
	ErrorKindUsageLimit       ErrorKind = "usage_limit"
	ErrorKindUnexpectedStatus ErrorKind = "unexpected_status"
	ErrorKindRetryLimit       ErrorKind = "retry_limit"
	ErrorKindInterrupted      ErrorKind = "interrupted"
	ErrorKindTimeout          ErrorKind = "timeout"
	ErrorKindInternal         ErrorKind = "internal"
)

// StreamError is a retryable transport failure. RetryAfter, when set, is the
// delay requested by the server.
type StreamError struct {
	Message    string
	RetryAfter *time.Duration
	Err        error
}

func (e *StreamError) Error() string {
	if e.Err != nil && e.Message == "" {
		return "stream error: " + e.Err.Error()
	}
	return "stream error: " + e.Message
}

func (e *StreamError) Unwrap() error { return e.Err }

// UsageLimitError is a non-retryable quota failure.
type UsageLimitError struct {
	Code      string
	PlanType  string
	ResetsIn  time.Duration
	Message   string
	NotInPlan bool
}

func (e *UsageLimitError) Error() string {
	if e.NotInPlan {
		return "usage not included in the current plan"
	}
	msg := "usage limit reached"
	if e.PlanType != "" {
		msg += " for plan " + e.PlanType
	}
	if e.ResetsIn > 0 {
		msg += fmt.Sprintf("; try again in %s", e.ResetsIn.Round(time.Second))
	}
	return msg
}

// UnexpectedStatusError is returned for HTTP statuses that are not retried.
type UnexpectedStatusError struct {
	Status int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// RetryLimitError is returned when every attempt failed with a retryable status.
type RetryLimitError struct {
	Status   int
	Attempts int
	Err      error
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("exceeded retry limit after %d attempts, last status %d", e.Attempts, e.Status)
}

func (e *RetryLimitError) Unwrap() error { return e.Err }

// KindOf classifies err for an Error event.
func KindOf(err error) ErrorKind {
	var (
		usage  *UsageLimitError
		status *UnexpectedStatusError
		limit  *RetryLimitError
		stream *StreamError
	)
	switch {
	case errors.As(err, &usage):
		return ErrorKindUsageLimit
	case errors.As(err, &status):
		return ErrorKindUnexpectedStatus
	case errors.As(err, &limit):
		return ErrorKindRetryLimit
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return ErrorKindInterrupted
	case errors.Is(err, ErrIdleTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.As(err, &stream), errors.Is(err, ErrStreamClosed):
		return ErrorKindStream
	default:
		return ErrorKindInternal
	}
}

// IsRetryable reports whether a stream level retry may help.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var stream *StreamError
	return errors.As(err, &stream) || errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrIdleTimeout)
}
