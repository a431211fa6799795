package http2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
)

var clientPreface = []byte(http2.ClientPreface)

// A continuation is a header block still waiting for END_HEADERS.
type continuation struct {
	id        uint32
	endStream bool
	block     []byte
}

// processor consumes connection input. It is driven by a single goroutine.
type processor struct {
	d *Driver

	rbuf bytes.Buffer
	fr   *http2.Framer
	hdec *hpack.Decoder

	preface    bool
	recvWindow int64
	cont       *continuation
	err        error

	floodStart  time.Time
	floodFrames int
	floodBytes  int
}

type frameHandler func(p *processor, ctx context.Context, f http2.Frame) error

var frameHandlers = map[http2.FrameType]frameHandler{
	http2.FrameData:         (*processor).onData,
	http2.FrameHeaders:      (*processor).onHeaders,
	http2.FramePriority:     (*processor).onPriority,
	http2.FrameRSTStream:    (*processor).onRSTStream,
	http2.FrameSettings:     (*processor).onSettings,
	http2.FramePushPromise:  (*processor).onPushPromise,
	http2.FramePing:         (*processor).onPing,
	http2.FrameGoAway:       (*processor).onGoAway,
	http2.FrameWindowUpdate: (*processor).onWindowUpdate,
	http2.FrameContinuation: (*processor).onContinuation,
}

// Feed implements driver.Process.
func (p *processor) Feed(ctx context.Context, b []byte) error {
	if p.err != nil {
		return p.err
	}

	p.rbuf.Write(b)

	if err := p.feed(ctx); err != nil {
		p.err = err

		return err
	}

	return nil
}

func (p *processor) feed(ctx context.Context) error {
	if !p.preface {
		n := min(p.rbuf.Len(), len(clientPreface))
		if !bytes.Equal(p.rbuf.Bytes()[:n], clientPreface[:n]) {
			return fmt.Errorf("%w: %w", errBadPreface, p.d.goAway(http2.ErrCodeProtocol, "invalid connection preface"))
		}

		if n < len(clientPreface) {
			return nil
		}

		p.rbuf.Next(n)
		p.preface = true
	}

	for {
		if p.d.ctx.Err() != nil {
			return driver.ErrClosed
		}

		buf := p.rbuf.Bytes()
		if len(buf) < frameHeaderLen {
			return nil
		}

		length := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
		if length > maxReadFrameSize {
			return p.d.goAway(http2.ErrCodeFrameSize, "frame too large")
		}

		if len(buf) < frameHeaderLen+length {
			return nil
		}

		if err := p.countFrame(length); err != nil {
			return err
		}

		f, err := p.fr.ReadFrame()
		if err != nil {
			if err := p.frameError(err); err != nil {
				return err
			}

			continue
		}

		if p.cont != nil && f.Header().Type != http2.FrameContinuation {
			return p.d.goAway(http2.ErrCodeProtocol, "expected CONTINUATION")
		}

		handler, ok := frameHandlers[f.Header().Type]
		if !ok {
			// Unknown frame types are ignored.
			continue
		}

		if err := handler(p, ctx, f); err != nil {
			return err
		}
	}
}

// frameError maps a codec error to a stream reset or a connection error.
func (p *processor) frameError(err error) error {
	var se http2.StreamError
	if errors.As(err, &se) {
		p.d.sendReset(se.StreamID, se.Code)

		return nil
	}

	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return p.d.goAway(http2.ErrCode(ce), "malformed frame")
	}

	if errors.Is(err, http2.ErrFrameTooLarge) {
		return p.d.goAway(http2.ErrCodeFrameSize, "frame too large")
	}

	return p.d.goAway(http2.ErrCodeProtocol, err.Error())
}

// countFrame enforces the frame flood limits over one-second windows.
func (p *processor) countFrame(length int) error {
	now := p.d.time.Now()
	if now.Sub(p.floodStart) >= time.Second {
		p.floodStart = now
		p.floodFrames = 0
		p.floodBytes = 0
	}

	p.floodFrames++
	p.floodBytes += frameHeaderLen + length

	if p.floodFrames > p.d.opts.MaxFramesPerSecond() && p.floodBytes/p.floodFrames < p.d.opts.MinAverageFrameSize() {
		return fmt.Errorf("%w: %w", driver.ErrFrameFlood, p.d.goAway(http2.ErrCodeEnhanceYourCalm, "frame flood"))
	}

	return nil
}

// Close implements driver.Process.
func (p *processor) Close(err error) {
	p.d.close(err)
	p.d.log.Debug().Err(err).Uint64("conn", p.d.conn.ID()).Msg("http2: process closed")
}

func (p *processor) onHeaders(_ context.Context, f http2.Frame) error {
	hf := f.(*http2.HeadersFrame)

	p.cont = &continuation{
		id:        hf.StreamID,
		endStream: hf.StreamEnded(),
		block:     append([]byte(nil), hf.HeaderBlockFragment()...),
	}

	if hf.HeadersEnded() {
		return p.endHeaders()
	}

	return nil
}

func (p *processor) onContinuation(_ context.Context, f http2.Frame) error {
	cf := f.(*http2.ContinuationFrame)

	if p.cont == nil || p.cont.id != cf.StreamID {
		return p.d.goAway(http2.ErrCodeProtocol, "unexpected CONTINUATION")
	}

	p.cont.block = append(p.cont.block, cf.HeaderBlockFragment()...)
	if len(p.cont.block) > max(4*p.d.opts.MaxHeaderSize(), 64<<10) {
		return p.d.goAway(http2.ErrCodeEnhanceYourCalm, "header block too large")
	}

	if cf.HeadersEnded() {
		return p.endHeaders()
	}

	return nil
}

// decode runs the HPACK decoder over a complete header block. The decoder
// state must advance even for blocks that are rejected afterwards.
func (p *processor) decode(block []byte) (fields []hpack.HeaderField, tooLarge bool, err error) {
	limit := p.d.opts.MaxHeaderSize()
	size := 0

	p.hdec.SetEmitFunc(func(f hpack.HeaderField) {
		size += headerListSize(f)
		if size > limit {
			tooLarge = true

			return
		}

		fields = append(fields, f)
	})

	if _, err = p.hdec.Write(block); err == nil {
		err = p.hdec.Close()
	}

	return fields, tooLarge, err
}

func (p *processor) endHeaders() error {
	c := p.cont
	p.cont = nil
	d := p.d

	fields, tooLarge, err := p.decode(c.block)
	if err != nil {
		return d.goAway(http2.ErrCodeCompression, "header block decoding failed")
	}

	d.mu.Lock()

	if s, ok := d.streams[c.id]; ok {
		d.mu.Unlock()

		return p.onTrailers(s, c, fields, tooLarge)
	}

	if c.id%2 == 0 {
		d.mu.Unlock()

		return d.goAway(http2.ErrCodeProtocol, "invalid stream identifier")
	}

	if c.id <= d.lastStreamID {
		d.mu.Unlock()

		return d.goAway(http2.ErrCodeStreamClosed, "HEADERS on closed stream")
	}

	if d.peerGoAway {
		d.mu.Unlock()

		return nil
	}

	d.lastStreamID = c.id

	if d.goAwaySent || len(d.streams) >= d.opts.MaxConcurrentStreams() {
		d.mu.Unlock()
		d.sendReset(c.id, http2.ErrCodeRefusedStream)

		return nil
	}

	if tooLarge {
		s := d.openStream(c.id)
		s.discardBody = true
		if c.endStream {
			s.state = StateHalfClosedRemote
		}
		d.mu.Unlock()

		d.respond(s, d.errs.HandleError(http.StatusRequestHeaderFieldsTooLarge, "", nil))

		return nil
	}

	head, reason := decodeRequestHead(fields)
	if reason == "" {
		if n, ok := contentLength(head.header); !ok {
			reason = "invalid content-length"
		} else if c.endStream && n > 0 {
			reason = "content-length without body"
		}
	}

	if reason != "" {
		d.mu.Unlock()
		d.log.Debug().Uint64("conn", d.conn.ID()).Uint32("stream", c.id).Str("reason", reason).Msg("http2: malformed request")
		d.sendReset(c.id, http2.ErrCodeProtocol)

		return nil
	}

	target := head.path
	if head.method == http.MethodConnect {
		target = head.authority
	}

	if head.authority != "" && !head.header.Has("host") {
		head.header.Set("host", head.authority)
	}

	req := message.NewRequest(head.method, target, "2", head.header, d.opts.MaxBodySize())
	req.Conn = d.conn

	s := d.openStream(c.id)
	s.req = req
	s.declaredLen, _ = contentLength(head.header)

	if c.endStream {
		s.state = StateHalfClosedRemote
	} else {
		s.body = message.NewPipe(0)
		s.body.OnRead(func(n int) { d.consumed(s, n) })
		req.Body = s.body
		req.Trailers = message.NewTrailers(trailerNames(head.header)...)
	}

	d.byReq[req] = s
	d.mu.Unlock()

	if err := driver.CheckMethod(d.opts, req.Method); err != nil {
		d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Uint32("stream", c.id).Msg("http2: rejecting method")

		if s.body != nil {
			s.body.Discard()
		}

		d.mu.Lock()
		delete(d.byReq, req)
		d.mu.Unlock()

		d.respond(s, d.errs.HandleError(http.StatusNotImplemented, "", req))

		return nil
	}

	d.onMessage(req)

	return nil
}

// onTrailers handles a second header block on an open stream.
func (p *processor) onTrailers(s *stream, c *continuation, fields []hpack.HeaderField, tooLarge bool) error {
	d := p.d

	d.mu.Lock()
	if s.remoteClosed() {
		d.mu.Unlock()

		return d.goAway(http2.ErrCodeStreamClosed, "HEADERS on half-closed stream")
	}
	d.mu.Unlock()

	if !c.endStream || tooLarge {
		d.sendReset(s.id, http2.ErrCodeProtocol)

		return nil
	}

	h := message.NewHeader()
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") || connectionHeaders[f.Name] {
			d.sendReset(s.id, http2.ErrCodeProtocol)

			return nil
		}

		h.Add(f.Name, f.Value)
	}

	return p.endRemote(s, h)
}

// endRemote records END_STREAM from the peer.
func (p *processor) endRemote(s *stream, trailers message.Header) error {
	d := p.d

	d.mu.Lock()
	if s.declaredLen >= 0 && s.received != s.declaredLen {
		d.mu.Unlock()
		d.sendReset(s.id, http2.ErrCodeProtocol)

		return nil
	}

	if s.state == StateHalfClosedLocal {
		d.closeStream(s)
	} else {
		s.state = StateHalfClosedRemote
	}
	d.mu.Unlock()

	if s.body != nil {
		s.body.Finish(nil)
	}

	if s.req != nil && s.req.Trailers != nil {
		if trailers == nil {
			trailers = message.NewHeader()
		}

		s.req.Trailers.Resolve(trailers)
	}

	return nil
}

func (p *processor) onData(ctx context.Context, f http2.Frame) error {
	df := f.(*http2.DataFrame)
	d := p.d
	n := int64(df.Length)

	p.recvWindow -= n
	if p.recvWindow < 0 {
		return d.goAway(http2.ErrCodeFlowControl, "connection window exceeded")
	}

	if n > 0 {
		// Connection credit is returned as soon as the frame is received.
		p.recvWindow += n
		d.windowUpdate(0, n)
	}

	d.mu.Lock()
	s, ok := d.streams[df.StreamID]
	if !ok {
		idle := df.StreamID > d.lastStreamID
		d.mu.Unlock()

		if idle {
			return d.goAway(http2.ErrCodeProtocol, "DATA on idle stream")
		}

		return nil
	}

	if s.remoteClosed() {
		d.mu.Unlock()
		d.sendReset(s.id, http2.ErrCodeStreamClosed)

		return nil
	}

	s.recvWindow -= n
	if s.recvWindow < 0 {
		d.mu.Unlock()
		d.sendReset(s.id, http2.ErrCodeFlowControl)

		return nil
	}

	data := df.Data()
	credit := n - int64(len(data))
	s.received += int64(len(data))

	if s.declaredLen >= 0 && s.received > s.declaredLen {
		d.mu.Unlock()
		d.sendReset(s.id, http2.ErrCodeProtocol)

		return nil
	}

	var failed error
	if !s.discardBody && s.req != nil && s.received > s.req.MaxBodySize() {
		s.discardBody = true
		failed = &driver.StatusError{Code: http.StatusRequestEntityTooLarge, Err: driver.ErrBodyTooLarge}
	}

	emit := !s.discardBody && s.body != nil && !s.body.Discarded()
	if !emit {
		credit += int64(len(data))
	}

	s.recvWindow += credit
	end := df.StreamEnded()
	d.mu.Unlock()

	if failed != nil {
		s.body.Fail(failed)
	}

	if emit && len(data) > 0 {
		if err := s.body.Emit(ctx, append([]byte(nil), data...)); err != nil {
			d.mu.Lock()
			s.recvWindow += int64(len(data))
			d.mu.Unlock()

			credit += int64(len(data))
		}
	}

	if end {
		return p.endRemote(s, nil)
	}

	if credit > 0 {
		d.windowUpdate(s.id, credit)
	}

	return nil
}

func (p *processor) onPriority(context.Context, http2.Frame) error {
	return nil
}

func (p *processor) onRSTStream(_ context.Context, f http2.Frame) error {
	rf := f.(*http2.RSTStreamFrame)
	d := p.d

	d.mu.Lock()
	if rf.StreamID > d.lastStreamID {
		d.mu.Unlock()

		return d.goAway(http2.ErrCodeProtocol, "RST_STREAM on idle stream")
	}

	if s, ok := d.streams[rf.StreamID]; ok {
		d.resetStream(s, http2.StreamError{StreamID: rf.StreamID, Code: rf.ErrCode})
	}
	d.mu.Unlock()

	return nil
}

func (p *processor) onSettings(ctx context.Context, f http2.Frame) error {
	sf := f.(*http2.SettingsFrame)
	d := p.d

	if sf.IsAck() {
		return nil
	}

	err := sf.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}

		switch s.ID {
		case http2.SettingInitialWindowSize:
			d.mu.Lock()
			defer d.mu.Unlock()

			delta := int64(s.Val) - d.peerInitWindow
			d.peerInitWindow = int64(s.Val)

			for _, st := range d.streams {
				st.sendWindow += delta
				if st.sendWindow > maxWindow {
					return http2.ConnectionError(http2.ErrCodeFlowControl)
				}
			}

			d.notifyWindow()
		case http2.SettingMaxFrameSize:
			d.mu.Lock()
			d.peerMaxFrameSize = int(s.Val)
			d.mu.Unlock()
		case http2.SettingHeaderTableSize:
			d.wmu.Lock()
			d.henc.SetMaxDynamicTableSizeLimit(s.Val)
			d.wmu.Unlock()
		}

		return nil
	})
	if err != nil {
		var ce http2.ConnectionError
		if errors.As(err, &ce) {
			return d.goAway(http2.ErrCode(ce), "invalid SETTINGS")
		}

		return d.goAway(http2.ErrCodeProtocol, err.Error())
	}

	// The ack must be on the wire before later frames are processed.
	return d.writeFrames(func(fr *http2.Framer) error {
		return fr.WriteSettingsAck()
	}).Wait(ctx)
}

func (p *processor) onPushPromise(context.Context, http2.Frame) error {
	return p.d.goAway(http2.ErrCodeProtocol, "PUSH_PROMISE from client")
}

func (p *processor) onPing(_ context.Context, f http2.Frame) error {
	pf := f.(*http2.PingFrame)
	if pf.IsAck() {
		return nil
	}

	p.d.writeFrames(func(fr *http2.Framer) error {
		return fr.WritePing(true, pf.Data)
	})

	return nil
}

func (p *processor) onGoAway(_ context.Context, f http2.Frame) error {
	gf := f.(*http2.GoAwayFrame)
	d := p.d

	d.mu.Lock()
	d.peerGoAway = true
	idle := d.pending == 0
	d.mu.Unlock()

	d.log.Debug().Uint64("conn", d.conn.ID()).Str("code", gf.ErrCode.String()).Uint32("last_stream", gf.LastStreamID).Msg("http2: peer sent GOAWAY")

	if idle {
		d.conn.Close()
	}

	return nil
}

func (p *processor) onWindowUpdate(_ context.Context, f http2.Frame) error {
	wf := f.(*http2.WindowUpdateFrame)
	d := p.d
	inc := int64(wf.Increment)

	d.mu.Lock()

	if wf.StreamID == 0 {
		d.sendWindow += inc
		overflow := d.sendWindow > maxWindow
		d.notifyWindow()
		d.mu.Unlock()

		if overflow {
			return d.goAway(http2.ErrCodeFlowControl, "connection window overflow")
		}

		return nil
	}

	s, ok := d.streams[wf.StreamID]
	if !ok {
		idle := wf.StreamID > d.lastStreamID
		d.mu.Unlock()

		if idle {
			return d.goAway(http2.ErrCodeProtocol, "WINDOW_UPDATE on idle stream")
		}

		return nil
	}

	s.sendWindow += inc
	overflow := s.sendWindow > maxWindow
	d.notifyWindow()
	d.mu.Unlock()

	if overflow {
		d.sendReset(s.id, http2.ErrCodeFlowControl)
	}

	return nil
}

// consumed returns stream credit once the consumer has read n bytes.
func (d *Driver) consumed(s *stream, n int) {
	d.mu.Lock()
	if s.remoteClosed() || n == 0 {
		d.mu.Unlock()

		return
	}

	s.recvWindow += int64(n)
	d.mu.Unlock()

	d.windowUpdate(s.id, int64(n))
}

func (d *Driver) windowUpdate(id uint32, n int64) {
	d.writeFrames(func(fr *http2.Framer) error {
		return fr.WriteWindowUpdate(id, uint32(n))
	})
}

// trailerNames lists the fields announced in the trailer header.
func trailerNames(h message.Header) []string {
	var names []string

	for _, v := range h.Values("trailer") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				names = append(names, f)
			}
		}
	}

	return names
}
