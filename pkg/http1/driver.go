// Package http1 implements the HTTP/1.0 and HTTP/1.1 engine: an incremental
// request parser fed by the connection's read loop and a writer that
// serializes responses strictly in request order.
package http1

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/options"
)

// maxPostHandlerReadBytes is the max number of request body bytes not
// consumed by a handler that the engine will read from the client
// in order to keep a connection alive. If there are more bytes than
// this then the connection is closed instead.
const maxPostHandlerReadBytes = 256 << 10

var errNoSlot = errors.New("http1: response for unknown or already answered request")

// UpgradeFunc returns a fresh HTTP/2 engine for a connection that opened
// with the HTTP/2 connection preface.
type UpgradeFunc func() driver.HttpDriver

// Driver is the HTTP/1.x engine for one connection.
type Driver struct {
	opts    *options.Options
	time    driver.TimeReference
	errs    driver.ErrorHandler
	log     zerolog.Logger
	upgrade UpgradeFunc

	conn      *driver.Connection
	onMessage driver.OnMessageFunc
	write     driver.WriteFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex // guards following
	slots    map[*message.Request]*slot
	tail     chan struct{} // closed when the last queued slot finished
	seq      uint64        // sequence number of the last queued slot
	pending  int
	closing  bool
	lastSeq  uint64 // once closing, slots after this one are abandoned
	upgraded driver.HttpDriver

	freed chan struct{} // signaled whenever a slot finishes
}

// New returns an HTTP/1.x engine. upgrade may be nil, in which case the
// HTTP/2 connection preface is rejected.
func New(cfg driver.Config, upgrade UpgradeFunc) *Driver {
	cfg = cfg.WithDefaults()

	return &Driver{
		opts:    cfg.Options,
		time:    cfg.Time,
		errs:    cfg.ErrorHandler,
		log:     cfg.Logger,
		upgrade: upgrade,
		slots:   make(map[*message.Request]*slot),
		freed:   make(chan struct{}, 1),
	}
}

// Setup implements driver.HttpDriver.
func (d *Driver) Setup(conn *driver.Connection, onMessage driver.OnMessageFunc, write driver.WriteFunc) driver.Process {
	d.conn = conn
	d.onMessage = onMessage
	d.write = write
	d.ctx, d.cancel = context.WithCancel(context.Background())

	done := make(chan struct{})
	close(done)
	d.tail = done

	go func() {
		select {
		case <-conn.Closed():
			d.cancel()
		case <-d.ctx.Done():
		}
	}()

	return &parser{d: d, state: StateAwaitingRequestLine}
}

// PendingRequestCount implements driver.HttpDriver.
func (d *Driver) PendingRequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.pending
	if d.upgraded != nil {
		n += d.upgraded.PendingRequestCount()
	}

	return n
}

// Writer implements driver.HttpDriver. Responses are written in the order
// their requests were parsed, regardless of the order Writer is called.
func (d *Driver) Writer(res *message.Response, req *message.Request) *driver.Promise {
	d.mu.Lock()
	if up := d.upgraded; up != nil && req != nil && req.ProtocolVersion == "2" {
		d.mu.Unlock()

		return up.Writer(res, req)
	}

	s, ok := d.slots[req]
	if ok {
		delete(d.slots, req)
	}
	d.mu.Unlock()

	if !ok {
		return driver.Resolved(errNoSlot)
	}

	return d.startSlot(s, res)
}

// A slot is one position in the response queue.
type slot struct {
	req     *message.Request // nil for a diagnostic response
	body    *message.Pipe    // request body, if any
	version string           // protocol version when req is nil
	seq     uint64

	prev <-chan struct{}
	done chan struct{}

	mu           sync.Mutex // guards started and sentContinue
	started      bool
	sentContinue bool

	closeAfter bool
}

// enqueue appends a slot for req to the response queue.
func (d *Driver) enqueue(req *message.Request, body *message.Pipe) *slot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	s := &slot{req: req, body: body, seq: d.seq, prev: d.tail, done: make(chan struct{})}
	d.tail = s.done
	d.pending++

	if req != nil {
		d.slots[req] = s
	}

	return s
}

func (d *Driver) pendingSlots() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pending
}

// waitForCapacity blocks while the pipeline is full.
func (d *Driver) waitForCapacity(ctx context.Context) error {
	for d.pendingSlots() >= d.opts.MaxPendingRequests() {
		select {
		case <-d.freed:
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return driver.ErrClosed
		}
	}

	return nil
}

func (d *Driver) startSlot(s *slot, res *message.Response) *driver.Promise {
	p := driver.NewPromise()

	go func() {
		err := d.runSlot(s, res)
		p.Resolve(err)
	}()

	return p
}

func (d *Driver) runSlot(s *slot, res *message.Response) (err error) {
	defer d.finishSlot(s, &err)

	select {
	case <-s.prev:
	case <-d.ctx.Done():
		return driver.ErrClosed
	}

	if d.abandoned(s) {
		return driver.ErrClosed
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	closeAfter, err := d.writeResponse(d.ctx, s, res)
	if err != nil {
		d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Msg("http1: response write failed")

		return err
	}

	if s.body != nil && !s.body.Finished() {
		// Whatever the handler left unread is drained by the parser, up
		// to maxPostHandlerReadBytes.
		s.body.Discard()
	}

	if closeAfter || s.closeAfter {
		// Responses behind this one would be read as part of its body.
		d.markClosingAfter(s.seq, s.done)
	}

	return nil
}

func (d *Driver) finishSlot(s *slot, errp *error) {
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()

	close(s.done)

	select {
	case d.freed <- struct{}{}:
	default:
	}

	if *errp != nil {
		d.conn.Close()
	}
}

// abandoned reports whether s was queued after the connection started
// closing.
func (d *Driver) abandoned(s *slot) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closing && s.seq > d.lastSeq
}

// isClosing reports whether the connection accepts no further requests.
func (d *Driver) isClosing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closing
}

// markClosing stops responses to requests not yet queued; the connection
// is closed once every slot already queued has finished.
func (d *Driver) markClosing() {
	d.mu.Lock()
	seq, tail := d.seq, d.tail
	d.mu.Unlock()

	d.markClosingAfter(seq, tail)
}

// markClosingAfter abandons every slot queued after seq. done is closed
// when the slot with that sequence number has finished; the connection is
// closed then.
func (d *Driver) markClosingAfter(seq uint64, done <-chan struct{}) {
	d.mu.Lock()
	if !d.closing || seq < d.lastSeq {
		d.closing = true
		d.lastSeq = seq
	}
	d.mu.Unlock()

	go func() {
		select {
		case <-done:
			d.conn.Close()
		case <-d.ctx.Done():
		}
	}()
}

// respondWithError queues a response produced by the error handler.
func (d *Driver) respondWithError(s *slot, status int, reason string) *driver.Promise {
	res := d.errs.HandleError(status, reason, s.req)
	if s.closeAfter {
		res.Header.Set("connection", "close")
	}

	if s.req != nil {
		d.mu.Lock()
		delete(d.slots, s.req)
		d.mu.Unlock()
	}

	return d.startSlot(s, res)
}

// sendContinue writes the interim 100 response when the consumer starts
// reading a body whose request asked for it. Nothing is sent once the
// final response has started or while earlier responses are still queued.
func (d *Driver) sendContinue(s *slot) {
	select {
	case <-s.prev:
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.sentContinue {
		return
	}

	s.sentContinue = true

	if err := d.write([]byte("HTTP/1.1 100 Continue\r\n\r\n")).Wait(d.ctx); err != nil {
		d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Msg("http1: 100-continue write failed")
	}
}

func (d *Driver) close(err error) {
	d.mu.Lock()
	d.closing = true
	d.lastSeq = 0
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Msg("http1: process closed")
}
