package protocol

import (
	"context"
	"sync"

	"github.com/hupe1980/codeagent/core"
)

// Source is a lazy, finite, non-restartable sequence of records.
//
//	for src.Next() {
//		rec := src.Current()
//	}
//	if err := src.Err(); err != nil { ... }
//
// Err is nil after a terminal record and non-nil if the sequence ended for any
// other reason. Close releases the transport and may be called at any time.
type Source interface {
	Next() bool
	Current() Record
	Err() error
	Close() error
}

// StaticSource replays a fixed slice of records and then reports err.
type StaticSource struct {
	records []Record
	err     error
	pos     int
	cur     Record
	closed  bool
}

// NewStaticSource returns a Source over records. err is reported by Err once
// the records are exhausted; pass nil for a clean end.
func NewStaticSource(records []Record, err error) *StaticSource {
	return &StaticSource{records: records, err: err}
}

func (s *StaticSource) Next() bool {
	if s.closed || s.pos >= len(s.records) {
		return false
	}
	s.cur = s.records[s.pos]
	s.pos++
	return true
}

func (s *StaticSource) Current() Record { return s.cur }

func (s *StaticSource) Err() error {
	if s.pos < len(s.records) {
		return nil
	}
	return s.err
}

func (s *StaticSource) Close() error {
	s.closed = true
	return nil
}

// ChannelSource reads records from a channel until a terminal record, the
// channel closing (ErrStreamClosed) or ctx being done.
type ChannelSource struct {
	ctx       context.Context
	cancel    context.CancelFunc
	ch        <-chan Record
	cur       Record
	err       error
	done      bool
	closeOnce sync.Once
}

// NewChannelSource returns a Source fed by ch.
func NewChannelSource(ctx context.Context, ch <-chan Record) *ChannelSource {
	ctx, cancel := context.WithCancel(ctx)
	return &ChannelSource{ctx: ctx, cancel: cancel, ch: ch}
}

func (s *ChannelSource) Next() bool {
	if s.done {
		return false
	}
	select {
	case <-s.ctx.Done():
		s.done, s.err = true, s.ctx.Err()
		return false
	case rec, ok := <-s.ch:
		if !ok {
			s.done, s.err = true, core.ErrStreamClosed
			return false
		}
		s.cur = rec
		if IsTerminal(rec) {
			s.done = true
		}
		return true
	}
}

func (s *ChannelSource) Current() Record { return s.cur }

func (s *ChannelSource) Err() error { return s.err }

func (s *ChannelSource) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

var (
	_ Source = (*StaticSource)(nil)
	_ Source = (*ChannelSource)(nil)
	_ Source = (*Stream)(nil)
)
