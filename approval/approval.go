// Package approval coordinates human approval of side-effecting tool calls.
//
// Each request owns a one-shot slot keyed by call id and an independent waiter
// goroutine. The waiter resolves the slot exactly once: with the client's
// decision, or fail-closed with Denied when the request could not be delivered
// or no answer arrived in time. The turn loop never blocks on a slot.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
	"github.com/hupe1980/codeagent/telemetry"
)

// DefaultTimeout bounds the wait for a decision.
const DefaultTimeout = 5 * time.Minute

// Kind names what is being approved.
type Kind string

const (
	KindExec  Kind = "exec"
	KindPatch Kind = "patch"
)

// Outcome labels how a request was resolved.
type Outcome string

const (
	OutcomeDecided    Outcome = "decided"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeTransport  Outcome = "transport_error"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeAborted    Outcome = "aborted"
	OutcomeSuperseded Outcome = "superseded"
)

// Request identifies one approval.
type Request struct {
	CallID string
	TurnID string
	Kind   Kind
}

// Notifier delivers the approval request to the client. A returned error
// resolves the request as Denied.
type Notifier func(ctx context.Context) error

// Options configures a Coordinator.
type Options struct {
	// Timeout is the longest a request waits for a decision. Values <= 0 use
	// DefaultTimeout.
	Timeout time.Duration
	Logger  logging.Logger
	Metrics telemetry.Metrics
}

type resolution struct {
	decision core.ReviewDecision
	outcome  Outcome
}

type pending struct {
	req     Request
	start   time.Time
	resolve chan resolution
	once    sync.Once
}

func (p *pending) offer(r resolution) {
	p.once.Do(func() { p.resolve <- r })
}

// Coordinator tracks outstanding approval requests. It is safe for
// concurrent use.
type Coordinator struct {
	opts Options

	mu      sync.Mutex
	pending map[string]*pending
	wg      sync.WaitGroup
}

// New returns a Coordinator.
func New(optFns ...func(o *Options)) *Coordinator {
	opts := Options{Timeout: DefaultTimeout}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	opts.Metrics = telemetry.MetricsOrNoop(opts.Metrics)
	return &Coordinator{opts: opts, pending: map[string]*pending{}}
}

// Request registers req, dispatches notify from a waiter goroutine and returns
// the slot that receives exactly one decision. Cancelling ctx resolves the
// slot with Abort. A live request with the same call id is resolved Denied
// first.
func (c *Coordinator) Request(ctx context.Context, req Request, notify Notifier) <-chan core.ReviewDecision {
	p := &pending{req: req, start: time.Now(), resolve: make(chan resolution, 1)}

	c.mu.Lock()
	if old, ok := c.pending[req.CallID]; ok {
		old.offer(resolution{decision: core.DecisionDenied, outcome: OutcomeSuperseded})
	}
	c.pending[req.CallID] = p
	c.mu.Unlock()

	out := make(chan core.ReviewDecision, 1)
	c.wg.Add(1)
	go c.wait(ctx, p, notify, out)
	return out
}

func (c *Coordinator) wait(ctx context.Context, p *pending, notify Notifier, out chan<- core.ReviewDecision) {
	defer c.wg.Done()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	notifyCtx, cancelNotify := context.WithCancel(ctx)
	defer cancelNotify()
	notified := make(chan error, 1)
	go func() {
		if notify == nil {
			notified <- nil
			return
		}
		notified <- notify(notifyCtx)
	}()

	var res resolution
wait:
	for {
		select {
		case res = <-p.resolve:
			break wait
		case err := <-notified:
			notified = nil
			if err != nil {
				c.opts.Logger.Warn("Approval request could not be delivered", "call_id", p.req.CallID, "error", err)
				res = resolution{decision: core.DecisionDenied, outcome: OutcomeTransport}
				break wait
			}
		case <-timer.C:
			res = resolution{decision: core.DecisionDenied, outcome: OutcomeTimeout}
			break wait
		case <-ctx.Done():
			res = resolution{decision: core.DecisionAbort, outcome: OutcomeCancelled}
			break wait
		}
	}

	c.mu.Lock()
	if c.pending[p.req.CallID] == p {
		delete(c.pending, p.req.CallID)
	}
	c.mu.Unlock()

	decision := res.decision.Normalize()
	waited := time.Since(p.start)
	tags := []string{"outcome", string(res.outcome), "kind", string(p.req.Kind)}
	c.opts.Metrics.IncCounter(context.Background(), telemetry.MetricApprovals, 1, tags...)
	c.opts.Metrics.RecordTimer(context.Background(), telemetry.MetricApprovalWait, waited, tags...)
	if rl, ok := c.opts.Logger.(*logging.RuntimeLogger); ok {
		rl.WithContext("turn_id", p.req.TurnID).LogApproval(p.req.CallID, string(p.req.Kind), string(decision), string(res.outcome), waited)
	} else {
		c.opts.Logger.Debug("Approval resolved",
			"call_id", p.req.CallID, "turn_id", p.req.TurnID, "kind", p.req.Kind,
			"decision", decision, "outcome", res.outcome, "waited", waited)
	}

	out <- decision
	close(out)
}

// Resolve delivers decision to the request with callID. It reports whether a
// live request was found.
func (c *Coordinator) Resolve(callID string, decision core.ReviewDecision) bool {
	c.mu.Lock()
	p, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.offer(resolution{decision: decision, outcome: OutcomeDecided})
	return true
}

// AbortTurn resolves every request of turnID with decision and returns how
// many were resolved.
func (c *Coordinator) AbortTurn(turnID string, decision core.ReviewDecision) int {
	return c.abortWhere(decision, func(r Request) bool { return r.TurnID == turnID })
}

// AbortAll resolves every outstanding request with decision.
func (c *Coordinator) AbortAll(decision core.ReviewDecision) int {
	return c.abortWhere(decision, func(Request) bool { return true })
}

func (c *Coordinator) abortWhere(decision core.ReviewDecision, match func(Request) bool) int {
	c.mu.Lock()
	var victims []*pending
	for id, p := range c.pending {
		if match(p.req) {
			victims = append(victims, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
	for _, p := range victims {
		p.offer(resolution{decision: decision, outcome: OutcomeAborted})
	}
	return len(victims)
}

// Pending returns the number of outstanding requests.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Wait blocks until every waiter goroutine has exited or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
