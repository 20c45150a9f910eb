package rollout

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
)

// ErrRecorderClosed is returned by Record after Shutdown.
var ErrRecorderClosed = errors.New("rollout recorder closed")

// DefaultRecorderBuffer is the number of queued commands before Record blocks.
const DefaultRecorderBuffer = 256

// RecorderOptions configure a Recorder.
type RecorderOptions struct {
	Buffer int
	Logger logging.Logger
}

type command struct {
	lines []core.RolloutLine
	// flush, when set, is signalled once every earlier command was written.
	flush chan error
}

// Recorder appends rollout lines of one session from a single writer
// goroutine, so lines reach the store in Record order without blocking the
// caller on I/O.
type Recorder struct {
	store     core.RolloutStore
	sessionID string
	logger    logging.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan command
	done   chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// NewRecorder starts a recorder writing to store.
func NewRecorder(store core.RolloutStore, sessionID string, optFns ...func(o *RecorderOptions)) *Recorder {
	opts := RecorderOptions{Buffer: DefaultRecorderBuffer}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		logger:    logging.OrNoOp(opts.Logger),
		queue:     make(chan command, opts.Buffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// SessionID returns the session the recorder writes.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record queues lines. Response items that are not API items are dropped.
func (r *Recorder) Record(ctx context.Context, lines ...core.RolloutLine) error {
	kept := lines[:0:0]
	for _, l := range lines {
		if l.Type == core.LineResponseItem && !core.IsAPIItem(l.Item) {
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		return nil
	}
	return r.send(ctx, command{lines: kept})
}

// RecordItems queues one response_item line per API item.
func (r *Recorder) RecordItems(ctx context.Context, items ...core.Item) error {
	lines := make([]core.RolloutLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, core.ItemLine(it))
	}
	return r.Record(ctx, lines...)
}

// Flush waits until every line recorded before the call was written and
// returns the first write error seen since the previous Flush.
func (r *Recorder) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	if err := r.send(ctx, command{flush: ack}); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes pending lines and stops the writer. It is idempotent.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return r.takeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) send(ctx context.Context, cmd command) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for cmd := range r.queue {
		if cmd.flush != nil {
			cmd.flush <- r.takeErr()
			continue
		}
		// writes outlive the caller's context
		if err := r.store.Append(context.Background(), r.sessionID, cmd.lines...); err != nil {
			r.logger.Error("Failed to write rollout", "session_id", r.sessionID, "lines", len(cmd.lines), "error", err.Error())
			r.errMu.Lock()
			if r.lastErr == nil {
				r.lastErr = err
			}
			r.errMu.Unlock()
		}
	}
}

func (r *Recorder) takeErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	err := r.lastErr
	r.lastErr = nil
	return err
}
