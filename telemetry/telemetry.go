// Package telemetry defines the metrics and tracing hooks used by the runtime
// and their OpenTelemetry and no-op implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
)

type (
	// Metrics records counters and timers. Tags are alternating key/value strings.
	Metrics interface {
		IncCounter(ctx context.Context, name string, value float64, tags ...string)
		RecordTimer(ctx context.Context, name string, d time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, attrs ...any) (context.Context, Span)
	}

	// Span is the subset of trace.Span used by the runtime.
	Span interface {
		End()
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error)
	}
)

// Metric names.
const (
	MetricApprovals     = "codeagent.approvals"
	MetricApprovalWait  = "codeagent.approval.wait"
	MetricTurns         = "codeagent.turns"
	MetricTurnDuration  = "codeagent.turn.duration"
	MetricStreamRetries = "codeagent.stream.retries"
	MetricToolCalls     = "codeagent.tool.calls"
	MetricSessions      = "codeagent.sessions"
)

// EndSpan records err on span (if any) and ends it.
func EndSpan(span Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
