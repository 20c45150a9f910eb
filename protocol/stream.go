package protocol

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/openai/openai-go/packages/ssestream"
	"golang.org/x/time/rate"

	"github.com/hupe1980/codeagent/core"
	"github.com/hupe1980/codeagent/logging"
)

// DefaultIdleTimeout bounds the wait for the next record.
const DefaultIdleTimeout = 300 * time.Second

// Options configures a Stream.
type Options struct {
	// IdleTimeout is the longest gap allowed between two wire events.
	IdleTimeout time.Duration
	Logger      logging.Logger
}

// Stream is a Source over a server-sent event body. A background pump reads
// events from the transport so that Next can honour the idle timeout and
// context cancellation; both close the transport so the pump cannot keep
// reading into a stale stream.
type Stream struct {
	ctx    context.Context
	dec    ssestream.Decoder
	opts   Options
	events chan ssestream.Event
	stop   chan struct{}

	readErr error // written by pump before events is closed

	cur      Record
	err      error
	finished bool

	closeOnce sync.Once
	decodeLog rate.Sometimes
}

// NewStream decodes res as an SSE stream.
func NewStream(ctx context.Context, res *http.Response, optFns ...func(o *Options)) *Stream {
	opts := Options{IdleTimeout: DefaultIdleTimeout, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	s := &Stream{
		ctx:       ctx,
		dec:       ssestream.NewDecoder(res),
		opts:      opts,
		events:    make(chan ssestream.Event),
		stop:      make(chan struct{}),
		decodeLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if s.dec == nil {
		s.finished, s.err = true, core.ErrStreamClosed
		return s
	}
	go s.pump()
	return s
}

// NewReaderStream decodes body as an SSE stream.
func NewReaderStream(ctx context.Context, body io.ReadCloser, optFns ...func(o *Options)) *Stream {
	res := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       body,
	}
	return NewStream(ctx, res, optFns...)
}

func (s *Stream) pump() {
	defer close(s.events)
	for s.dec.Next() {
		ev := s.dec.Event()
		ev.Data = append([]byte(nil), ev.Data...)
		select {
		case s.events <- ev:
		case <-s.stop:
			return
		}
	}
	s.readErr = s.dec.Err()
}

// Next advances to the next record. Malformed records are logged and skipped.
func (s *Stream) Next() bool {
	if s.finished {
		return false
	}
	idle := time.NewTimer(s.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return false
		case <-idle.C:
			s.fail(core.ErrIdleTimeout)
			return false
		case ev, ok := <-s.events:
			if !ok {
				s.fail(s.closedErr())
				return false
			}
			rec, err := Decode(ev.Type, ev.Data)
			if err != nil {
				var unknown *UnknownTypeError
				if errors.As(err, &unknown) {
					s.opts.Logger.Debug("Skipping unknown stream record", "type", unknown.Type)
				} else {
					s.decodeLog.Do(func() {
						s.opts.Logger.Warn("Failed to decode stream record", "event", ev.Type, "error", err)
					})
				}
			}
			if rec == nil {
				idle.Reset(s.opts.IdleTimeout)
				continue
			}
			s.cur = rec
			if IsTerminal(rec) {
				s.finished = true
				s.shutdown()
			}
			return true
		}
	}
}

func (s *Stream) closedErr() error {
	if s.readErr != nil && !errors.Is(s.readErr, io.EOF) {
		return &core.StreamError{Message: s.readErr.Error(), Err: s.readErr}
	}
	return core.ErrStreamClosed
}

func (s *Stream) fail(err error) {
	s.finished, s.err = true, err
	s.shutdown()
}

// Current returns the record produced by the last successful Next.
func (s *Stream) Current() Record { return s.cur }

// Err reports why the sequence ended; nil after a terminal record.
func (s *Stream) Err() error { return s.err }

// Close aborts the pump and closes the transport. It is idempotent.
func (s *Stream) Close() error {
	if !s.finished {
		s.finished = true
	}
	return s.shutdown()
}

func (s *Stream) shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.dec != nil {
			err = s.dec.Close()
		}
	})
	return err
}
