package message

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrDiscarded is returned by Pipe.Emit once the consumer has abandoned the
// stream.
var ErrDiscarded = errors.New("message: stream discarded by consumer")

// A Pipe connects a protocol engine producing body bytes with the consumer
// reading them. Emit blocks while more than limit bytes are buffered, which
// stops the engine from reading further input until the consumer catches up.
//
// Pipe implements Stream. There must be a single producer and a single
// consumer.
type Pipe struct {
	limit int

	mu        sync.Mutex // guards following
	queue     [][]byte
	buffered  int
	finished  bool
	err       error
	discarded bool
	demanded  bool
	onDemand  func()
	onRead    func(n int)

	readable  chan struct{}
	writable  chan struct{}
	discardCh chan struct{}
}

// NewPipe returns a Pipe that buffers up to limit bytes before Emit blocks.
// A limit of zero or less never blocks the producer.
func NewPipe(limit int) *Pipe {
	return &Pipe{
		limit:     limit,
		readable:  make(chan struct{}, 1),
		writable:  make(chan struct{}, 1),
		discardCh: make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// OnDemand registers fn to run once, the first time the consumer calls Read.
func (p *Pipe) OnDemand(fn func()) {
	p.mu.Lock()
	p.onDemand = fn
	p.mu.Unlock()
}

// OnRead registers fn to run after each chunk handed to the consumer, with
// the chunk length.
func (p *Pipe) OnRead(fn func(n int)) {
	p.mu.Lock()
	p.onRead = fn
	p.mu.Unlock()
}

// Emit queues chunk for the consumer. The chunk is retained; callers must
// not modify it afterwards.
func (p *Pipe) Emit(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.discarded {
		p.mu.Unlock()

		return ErrDiscarded
	}

	if p.finished {
		p.mu.Unlock()

		return io.ErrClosedPipe
	}

	p.queue = append(p.queue, chunk)
	p.buffered += len(chunk)
	p.mu.Unlock()

	signal(p.readable)

	for {
		p.mu.Lock()
		full := p.limit > 0 && p.buffered > p.limit
		p.mu.Unlock()

		if !full {
			return nil
		}

		select {
		case <-p.writable:
		case <-p.discardCh:
			return ErrDiscarded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Finish marks the end of the stream. A nil err ends it with io.EOF once
// queued chunks are consumed; a non-nil err is returned instead.
func (p *Pipe) Finish(err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()

		return
	}

	p.finished = true
	p.err = err
	p.mu.Unlock()

	signal(p.readable)
}

// Fail is Finish for error paths: queued chunks are dropped so the consumer
// sees err immediately.
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	p.queue = nil
	p.buffered = 0
	p.mu.Unlock()

	p.Finish(err)
	signal(p.writable)
}

// Discard abandons the stream from the consumer side. Pending and future
// Emit calls return ErrDiscarded.
func (p *Pipe) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.discarded {
		return
	}

	p.discarded = true
	p.queue = nil
	p.buffered = 0
	close(p.discardCh)
}

// Discarded reports whether the consumer abandoned the stream.
func (p *Pipe) Discarded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.discarded
}

// Finished reports whether Finish or Fail has been called.
func (p *Pipe) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.finished
}

// Read implements Stream.
func (p *Pipe) Read(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if !p.demanded {
		p.demanded = true

		if fn := p.onDemand; fn != nil {
			p.mu.Unlock()
			fn()
			p.mu.Lock()
		}
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.discarded {
			p.mu.Unlock()

			return nil, ErrDiscarded
		}

		if len(p.queue) > 0 {
			chunk := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.buffered -= len(chunk)
			onRead := p.onRead
			p.mu.Unlock()

			signal(p.writable)

			if onRead != nil {
				onRead(len(chunk))
			}

			return chunk, nil
		}

		if p.finished {
			err := p.err
			p.mu.Unlock()

			if err == nil {
				err = io.EOF
			}

			return nil, err
		}
		p.mu.Unlock()

		select {
		case <-p.readable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
