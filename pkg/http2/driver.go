// Package http2 implements the HTTP/2 engine on top of the frame codec and
// HPACK from golang.org/x/net/http2. Streams are multiplexed over one
// connection; response HEADERS leave in the order their requests were
// dispatched and DATA is paced by the peer's flow-control windows.
package http2

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/options"
)

const (
	// initialWindowSize is the receive window advertised for every stream.
	initialWindowSize = 65535
	// maxReadFrameSize is the SETTINGS_MAX_FRAME_SIZE we accept.
	maxReadFrameSize = 16384
	// defaultMaxFrameSize is the peer's frame size until it says otherwise.
	defaultMaxFrameSize = 16384
	maxWindow           = 1<<31 - 1
	frameHeaderLen      = 9
)

var (
	errStreamReset = errors.New("http2: stream reset")
	errNoStream    = errors.New("http2: response for unknown or already answered request")
	errBadPreface  = errors.New("http2: invalid connection preface")
)

// Driver is the HTTP/2 engine for one connection.
type Driver struct {
	opts *options.Options
	time driver.TimeReference
	errs driver.ErrorHandler
	log  zerolog.Logger

	conn      *driver.Connection
	onMessage driver.OnMessageFunc
	write     driver.WriteFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex // guards following
	streams          map[uint32]*stream
	byReq            map[*message.Request]*stream
	lastStreamID     uint32
	headersTail      <-chan struct{}
	pending          int
	sendWindow       int64
	peerInitWindow   int64
	peerMaxFrameSize int
	windowChanged    chan struct{} // closed and replaced on every window change
	goAwaySent       bool
	peerGoAway       bool
	closed           bool

	wmu  sync.Mutex // serializes frame output and HPACK encoding
	wbuf bytes.Buffer
	wfr  *http2.Framer
	hbuf bytes.Buffer
	henc *hpack.Encoder
}

// New returns an HTTP/2 engine.
func New(cfg driver.Config) *Driver {
	cfg = cfg.WithDefaults()

	d := &Driver{
		opts:             cfg.Options,
		time:             cfg.Time,
		errs:             cfg.ErrorHandler,
		log:              cfg.Logger,
		streams:          make(map[uint32]*stream),
		byReq:            make(map[*message.Request]*stream),
		sendWindow:       initialWindowSize,
		peerInitWindow:   initialWindowSize,
		peerMaxFrameSize: defaultMaxFrameSize,
		windowChanged:    make(chan struct{}),
	}

	d.wfr = http2.NewFramer(&d.wbuf, nil)
	d.henc = hpack.NewEncoder(&d.hbuf)

	done := make(chan struct{})
	close(done)
	d.headersTail = done

	return d
}

// Setup implements driver.HttpDriver. The server's SETTINGS frame is queued
// immediately; the returned process expects the client connection preface.
func (d *Driver) Setup(conn *driver.Connection, onMessage driver.OnMessageFunc, write driver.WriteFunc) driver.Process {
	d.conn = conn
	d.onMessage = onMessage
	d.write = write
	d.ctx, d.cancel = context.WithCancel(context.Background())

	go func() {
		select {
		case <-conn.Closed():
			d.close(driver.ErrClosed)
		case <-d.ctx.Done():
		}
	}()

	d.writeFrames(func(fr *http2.Framer) error {
		return fr.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: uint32(d.opts.MaxConcurrentStreams())},
			http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: uint32(d.opts.MaxHeaderSize())},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
		)
	})

	p := &processor{
		d:          d,
		recvWindow: initialWindowSize,
		hdec:       hpack.NewDecoder(4096, nil),
	}
	p.fr = http2.NewFramer(nil, &p.rbuf)
	p.fr.SetMaxReadFrameSize(maxReadFrameSize)

	return p
}

// PendingRequestCount implements driver.HttpDriver.
func (d *Driver) PendingRequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pending
}

// Shutdown implements driver.GracefulShutdowner. It announces GOAWAY with
// the last stream accepted so far; streams already open finish normally.
func (d *Driver) Shutdown() *driver.Promise {
	d.mu.Lock()
	if d.goAwaySent || d.closed {
		d.mu.Unlock()

		return driver.Resolved(nil)
	}

	d.goAwaySent = true
	last := d.lastStreamID
	d.mu.Unlock()

	d.log.Debug().Uint64("conn", d.conn.ID()).Uint32("last_stream", last).Msg("http2: graceful shutdown")

	return d.writeFrames(func(fr *http2.Framer) error {
		return fr.WriteGoAway(last, http2.ErrCodeNo, nil)
	})
}

// Writer implements driver.HttpDriver.
func (d *Driver) Writer(res *message.Response, req *message.Request) *driver.Promise {
	d.mu.Lock()
	s, ok := d.byReq[req]
	if ok {
		delete(d.byReq, req)
	}
	d.mu.Unlock()

	if !ok {
		return driver.Resolved(errNoStream)
	}

	return d.respond(s, res)
}

func (d *Driver) respond(s *stream, res *message.Response) *driver.Promise {
	p := driver.NewPromise()

	go func() {
		p.Resolve(d.writeResponse(s, res))
	}()

	return p
}

// writeFrames runs fn against the output framer and hands the produced bytes
// to the connection in one write.
func (d *Driver) writeFrames(fn func(fr *http2.Framer) error) *driver.Promise {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	d.wbuf.Reset()

	if err := fn(d.wfr); err != nil {
		return driver.Resolved(err)
	}

	if d.wbuf.Len() == 0 {
		return driver.Resolved(nil)
	}

	return d.write(append([]byte(nil), d.wbuf.Bytes()...))
}

// notifyWindow wakes every writer waiting for flow-control credit. Callers
// hold d.mu.
func (d *Driver) notifyWindow() {
	close(d.windowChanged)
	d.windowChanged = make(chan struct{})
}

// openStream registers a new stream and chains its HEADERS after the
// previously dispatched one. Callers hold d.mu.
func (d *Driver) openStream(id uint32) *stream {
	s := &stream{
		id:          id,
		state:       StateOpen,
		recvWindow:  initialWindowSize,
		sendWindow:  d.peerInitWindow,
		declaredLen: -1,
		prev:        d.headersTail,
		headersDone: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(d.ctx)

	d.headersTail = s.headersDone
	d.streams[id] = s
	d.pending++

	return s
}

// closeStream removes s from the table. Callers hold d.mu.
func (d *Driver) closeStream(s *stream) {
	s.state = StateClosed
	delete(d.streams, s.id)
}

// answer marks the response for s as finished or abandoned. Callers hold
// d.mu.
func (d *Driver) answer(s *stream) {
	if s.answered {
		return
	}

	s.answered = true
	d.pending--

	if s.req != nil {
		delete(d.byReq, s.req)
	}
}

// resetStream abandons s locally. Callers hold d.mu.
func (d *Driver) resetStream(s *stream, err error) {
	if s.body != nil {
		s.body.Fail(err)
	}

	if s.req != nil && s.req.Trailers != nil {
		s.req.Trailers.Fail(err)
	}

	s.cancel()
	s.releaseHeaders()
	d.answer(s)
	d.closeStream(s)
	d.notifyWindow()
}

// sendReset writes RST_STREAM for id and abandons the stream if it is
// still known.
func (d *Driver) sendReset(id uint32, code http2.ErrCode) {
	d.mu.Lock()
	if s, ok := d.streams[id]; ok {
		d.resetStream(s, http2.StreamError{StreamID: id, Code: code})
	}
	d.mu.Unlock()

	d.log.Debug().Uint64("conn", d.conn.ID()).Uint32("stream", id).Str("code", code.String()).Msg("http2: stream reset")

	d.writeFrames(func(fr *http2.Framer) error {
		return fr.WriteRSTStream(id, code)
	})
}

// goAway fails the connection with code. The connection is closed once the
// GOAWAY frame is flushed.
func (d *Driver) goAway(code http2.ErrCode, reason string) error {
	d.mu.Lock()
	last := d.lastStreamID
	d.goAwaySent = true
	d.mu.Unlock()

	d.log.Debug().Uint64("conn", d.conn.ID()).Str("code", code.String()).Str("reason", reason).Msg("http2: connection error")

	p := d.writeFrames(func(fr *http2.Framer) error {
		return fr.WriteGoAway(last, code, []byte(reason))
	})

	go func() {
		select {
		case <-p.Done():
		case <-time.After(time.Second):
		}

		d.conn.Close()
	}()

	return http2.ConnectionError(code)
}

// close tears down every stream. Called once the connection is gone.
func (d *Driver) close(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true

	for _, s := range d.streams {
		d.resetStream(s, err)
	}
	d.mu.Unlock()

	d.cancel()
}
