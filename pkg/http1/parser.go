package http1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/ekinhbayar/http-server/internal"
	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
)

// State is the position of the request parser.
type State int

const (
	StateAwaitingRequestLine State = iota
	StateParsingHeaders
	StateFixedLengthBody
	StateChunkedBody
	StateClosed // no further requests are read
	StateUpgraded
	StateError
)

var stateName = map[State]string{
	StateAwaitingRequestLine: "awaiting-request-line",
	StateParsingHeaders:      "parsing-headers",
	StateFixedLengthBody:     "fixed-length-body",
	StateChunkedBody:         "chunked-body",
	StateClosed:              "closed",
	StateUpgraded:            "upgraded",
	StateError:               "error",
}

func (s State) String() string {
	return stateName[s]
}

// sub-states of StateChunkedBody
const (
	chunkSize = iota
	chunkData
	chunkDataEnd
	chunkTrailers
)

var errDrainLimit = errors.New("http1: unread request body exceeds drain limit")

// parser is the driver.Process of an HTTP/1.x connection. Feed is only
// called from the connection's read loop, so parser state needs no lock.
type parser struct {
	d     *Driver
	state State
	err   error
	buf   []byte

	// request being assembled
	method, target, version string
	header                  message.Header
	headerBytes             int

	// body being received
	req       *message.Request
	slot      *slot
	body      *message.Pipe
	remaining int64
	received  int64
	drained   int64
	chunk     int
	trailers  message.Header

	dispatched bool // at least one request handed out on this connection
	closeAfter bool // the current request asked for the connection to close
	upgraded   driver.Process
}

// State reports the parser position.
func (p *parser) State() State {
	return p.state
}

// Feed implements driver.Process.
func (p *parser) Feed(ctx context.Context, data []byte) error {
	switch p.state {
	case StateError:
		return p.err
	case StateUpgraded:
		return p.upgraded.Feed(ctx, data)
	case StateClosed:
		return nil
	}

	p.buf = append(p.buf, data...)

	for len(p.buf) > 0 {
		progressed, err := p.step(ctx)
		if err != nil {
			return p.fail(err)
		}

		if p.state == StateUpgraded {
			rest := append([]byte("PRI * HTTP/2.0\r\n"), p.buf...)
			p.buf = nil

			return p.upgraded.Feed(ctx, rest)
		}

		if !progressed || p.state == StateClosed {
			break
		}
	}

	if len(p.buf) == 0 {
		p.buf = p.buf[:0]
	}

	return nil
}

// Close implements driver.Process.
func (p *parser) Close(err error) {
	if err == nil {
		err = driver.ErrClosed
	}

	if p.body != nil {
		p.body.Fail(err)
	}

	if p.req != nil && p.req.Trailers != nil {
		p.req.Trailers.Fail(err)
	}

	if p.upgraded != nil {
		p.upgraded.Close(err)
	}

	p.d.close(err)
}

// nextLine returns the next line without its terminator. CRLF and bare LF
// both end a line. ok is false while no complete line is buffered.
func (p *parser) nextLine() (line string, n int, ok bool) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		return "", 0, false
	}

	end := i
	if end > 0 && p.buf[end-1] == '\r' {
		end--
	}

	return string(p.buf[:end]), i + 1, true
}

func (p *parser) consume(n int) {
	p.buf = p.buf[n:]
}

func (p *parser) step(ctx context.Context) (bool, error) {
	switch p.state {
	case StateAwaitingRequestLine:
		return p.readRequestLine(ctx)
	case StateParsingHeaders:
		return p.readHeaderLine()
	case StateFixedLengthBody:
		return p.readFixedBody(ctx)
	case StateChunkedBody:
		return p.readChunked(ctx)
	}

	return false, nil
}

func (p *parser) readRequestLine(ctx context.Context) (bool, error) {
	if n := numLeadingCRorLF(p.buf); n > 0 {
		p.consume(n)

		return len(p.buf) > 0, nil
	}

	if p.d.isClosing() {
		p.state = StateClosed
		p.buf = nil

		return false, nil
	}

	maxHeader := p.d.opts.MaxHeaderSize()

	line, n, ok := p.nextLine()
	if !ok {
		if len(p.buf) > maxHeader {
			return false, driver.ErrHeaderTooLarge
		}

		return false, nil
	}

	if n > maxHeader {
		return false, driver.ErrHeaderTooLarge
	}

	if err := p.d.waitForCapacity(ctx); err != nil {
		return false, err
	}

	method, target, proto, ok := parseRequestLine(line)
	if !ok {
		return false, driver.BadRequest(fmt.Sprintf("malformed HTTP request %q", line))
	}

	if isH2Preface(method, target, proto) {
		return p.startUpgrade(n)
	}

	if !driver.ValidMethod(method) {
		return false, driver.BadRequest(fmt.Sprintf("invalid method %q", method))
	}

	if target == "" || strings.ContainsAny(target, " \t") {
		return false, driver.BadRequest("malformed request target")
	}

	switch proto {
	case "HTTP/1.1":
		p.version = "1.1"
	case "HTTP/1.0":
		p.version = "1.0"
	default:
		if _, _, ok := http.ParseHTTPVersion(proto); ok {
			return false, &driver.StatusError{Code: http.StatusHTTPVersionNotSupported, Text: proto}
		}

		return false, driver.BadRequest(fmt.Sprintf("malformed HTTP version %q", proto))
	}

	p.consume(n)
	p.method, p.target = method, target
	p.header = message.NewHeader()
	p.headerBytes = n
	p.state = StateParsingHeaders

	return true, nil
}

func (p *parser) startUpgrade(n int) (bool, error) {
	if p.d.upgrade == nil || !p.d.opts.IsHTTP2UpgradeAllowed() || p.dispatched {
		return false, &driver.StatusError{Code: http.StatusHTTPVersionNotSupported, Text: "HTTP/2.0"}
	}

	h2 := p.d.upgrade()
	p.upgraded = h2.Setup(p.d.conn, p.d.onMessage, p.d.write)

	p.d.mu.Lock()
	p.d.upgraded = h2
	p.d.mu.Unlock()

	p.consume(n)
	p.state = StateUpgraded

	return true, nil
}

// readField parses one "name: value" line into h.
func readField(h message.Header, line string) error {
	if line[0] == ' ' || line[0] == '\t' {
		return driver.BadRequest("obsolete line folding")
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok || !httpguts.ValidHeaderFieldName(name) {
		return driver.BadRequest(fmt.Sprintf("malformed header line %q", line))
	}

	value = textproto.TrimString(value)
	if !httpguts.ValidHeaderFieldValue(value) {
		return driver.BadRequest(fmt.Sprintf("invalid value for header %q", name))
	}

	h.Add(name, value)

	return nil
}

func (p *parser) readHeaderLine() (bool, error) {
	maxHeader := p.d.opts.MaxHeaderSize()

	line, n, ok := p.nextLine()
	if !ok {
		if p.headerBytes+len(p.buf) > maxHeader {
			return false, driver.ErrHeaderTooLarge
		}

		return false, nil
	}

	p.headerBytes += n
	if p.headerBytes > maxHeader {
		return false, driver.ErrHeaderTooLarge
	}

	p.consume(n)

	if line != "" {
		return true, readField(p.header, line)
	}

	return true, p.endHeaders()
}

// bodyFraming decides how the body of the current request is delimited.
func (p *parser) bodyFraming() (chunked bool, length int64, err error) {
	te := headerElements(p.header.Values("transfer-encoding"))
	cl := headerElements(p.header.Values("content-length"))

	if len(te) > 0 && len(cl) > 0 {
		return false, 0, driver.BadRequest("both content-length and transfer-encoding present")
	}

	if len(te) > 0 {
		if p.version == "1.0" {
			return false, 0, driver.BadRequest("transfer-encoding in HTTP/1.0 request")
		}

		if len(te) != 1 || !internal.EqualFold(te[0], "chunked") {
			return false, 0, &unsupportedTEError{fmt.Sprintf("unsupported transfer encoding: %q", te)}
		}

		return true, 0, nil
	}

	if len(cl) == 0 {
		return false, 0, nil
	}

	for _, v := range cl[1:] {
		if v != cl[0] {
			return false, 0, driver.BadRequest("message cannot contain multiple content-length headers")
		}
	}

	n, perr := strconv.ParseUint(cl[0], 10, 63)
	if perr != nil {
		return false, 0, driver.BadRequest(fmt.Sprintf("bad content-length %q", cl[0]))
	}

	return false, int64(n), nil
}

func (p *parser) endHeaders() error {
	if p.version == "1.1" {
		switch len(p.header.Values("host")) {
		case 0:
			return driver.BadRequest("missing required Host header")
		case 1:
		default:
			return driver.BadRequest("too many Host headers")
		}
	}

	fixPragmaCacheControl(p.header)

	chunked, length, err := p.bodyFraming()
	if err != nil {
		return err
	}

	req := message.NewRequest(p.method, p.target, p.version, p.header, p.d.opts.MaxBodySize())
	req.Conn = p.d.conn
	p.header = nil

	expect := req.Header.Get("expect")
	if expect != "" && !req.ExpectsContinue() {
		return &driver.StatusError{Code: http.StatusExpectationFailed, Text: expect}
	}

	var body *message.Pipe
	if chunked || length > 0 {
		body = message.NewPipe(p.d.opts.InputBufferSize())
		req.Body = body

		if chunked {
			req.Trailers = message.NewTrailers(headerElements(req.Header.Values("trailer"))...)
		}
	}

	s := p.d.enqueue(req, body)
	p.dispatched = true
	p.closeAfter = req.WantsClose()
	s.closeAfter = p.closeAfter

	if body != nil && req.ExpectsContinue() && req.ProtocolVersion == "1.1" {
		body.OnDemand(func() { p.d.sendContinue(s) })
	}

	if err := driver.CheckMethod(p.d.opts, req.Method); err != nil {
		p.d.log.Debug().Err(err).Uint64("conn", p.d.conn.ID()).Msg("http1: rejecting method")

		if body != nil {
			body.Discard()
		}

		p.d.respondWithError(s, http.StatusNotImplemented, "")
	} else {
		p.d.onMessage(req)
	}

	switch {
	case chunked:
		p.startBody(req, s, body)
		p.state = StateChunkedBody
		p.chunk = chunkSize
	case length > 0:
		p.startBody(req, s, body)
		p.state = StateFixedLengthBody
		p.remaining = length
	default:
		p.completeRequest()
	}

	return nil
}

func (p *parser) startBody(req *message.Request, s *slot, body *message.Pipe) {
	p.req, p.slot, p.body = req, s, body
	p.received, p.drained = 0, 0
	p.trailers = nil
}

// completeRequest resets the parser for the next pipelined request.
func (p *parser) completeRequest() {
	p.req, p.slot, p.body = nil, nil, nil
	p.version = ""
	p.state = StateAwaitingRequestLine

	if p.closeAfter {
		p.state = StateClosed
		p.buf = nil
	}
}

// emit hands body bytes to the consumer, enforcing the body limit and the
// drain limit once the consumer has abandoned the body.
func (p *parser) emit(ctx context.Context, b []byte) error {
	if p.body.Discarded() {
		p.drained += int64(len(b))
		if p.drained > maxPostHandlerReadBytes {
			return errDrainLimit
		}

		return nil
	}

	p.received += int64(len(b))
	if p.received > p.req.MaxBodySize() {
		err := &driver.StatusError{
			Code: http.StatusRequestEntityTooLarge,
			Text: "request body exceeds " + strconv.FormatInt(p.req.MaxBodySize(), 10) + " bytes",
			Err:  driver.ErrBodyTooLarge,
		}
		p.body.Fail(err)

		return err
	}

	err := p.body.Emit(ctx, append([]byte(nil), b...))
	if errors.Is(err, message.ErrDiscarded) {
		p.drained += int64(len(b))

		return nil
	}

	return err
}

func (p *parser) readFixedBody(ctx context.Context) (bool, error) {
	if p.remaining > 0 {
		n := int64(len(p.buf))
		if n > p.remaining {
			n = p.remaining
		}

		if n == 0 {
			return false, nil
		}

		if err := p.emit(ctx, p.buf[:n]); err != nil {
			return false, err
		}

		p.consume(int(n))
		p.remaining -= n
	}

	if p.remaining == 0 {
		p.body.Finish(nil)
		p.completeRequest()
	}

	return true, nil
}

func (p *parser) readChunked(ctx context.Context) (bool, error) {
	switch p.chunk {
	case chunkSize:
		line, n, ok := p.nextLine()
		if !ok {
			if len(p.buf) > p.d.opts.MaxHeaderSize() {
				return false, driver.BadRequest("chunk size line too long")
			}

			return false, nil
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return false, err
		}

		p.consume(n)

		if size == 0 {
			p.chunk = chunkTrailers
			p.trailers = message.NewHeader()
			p.headerBytes = 0

			return true, nil
		}

		p.remaining = size
		p.chunk = chunkData

		return true, nil

	case chunkData:
		n := int64(len(p.buf))
		if n > p.remaining {
			n = p.remaining
		}

		if err := p.emit(ctx, p.buf[:n]); err != nil {
			return false, err
		}

		p.consume(int(n))
		p.remaining -= n

		if p.remaining == 0 {
			p.chunk = chunkDataEnd
		}

		return true, nil

	case chunkDataEnd:
		switch {
		case len(p.buf) >= 2 && p.buf[0] == '\r' && p.buf[1] == '\n':
			p.consume(2)
		case p.buf[0] == '\n':
			p.consume(1)
		case len(p.buf) == 1 && p.buf[0] == '\r':
			return false, nil
		default:
			return false, driver.BadRequest("malformed chunked encoding")
		}

		p.chunk = chunkSize

		return true, nil

	case chunkTrailers:
		line, n, ok := p.nextLine()
		if !ok {
			if p.headerBytes+len(p.buf) > p.d.opts.MaxHeaderSize() {
				return false, driver.ErrHeaderTooLarge
			}

			return false, nil
		}

		p.headerBytes += n
		if p.headerBytes > p.d.opts.MaxHeaderSize() {
			return false, driver.ErrHeaderTooLarge
		}

		p.consume(n)

		if line != "" {
			return true, readField(p.trailers, line)
		}

		if p.req.Trailers != nil {
			p.req.Trailers.Resolve(p.trailers)
		}

		p.body.Finish(nil)
		p.completeRequest()

		return true, nil
	}

	return false, nil
}

func parseChunkSize(line string) (int64, error) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}

	line = textproto.TrimString(line)

	n, err := strconv.ParseUint(line, 16, 63)
	if err != nil || line == "" {
		return 0, driver.BadRequest("invalid chunk size")
	}

	return int64(n), nil
}

// fail moves the parser to its terminal error state. When nothing of the
// failing request has been handed to the application, a diagnostic
// response is queued behind the pending ones; otherwise the connection is
// closed once they are written.
func (p *parser) fail(err error) error {
	p.state = StateError
	p.err = err
	p.buf = nil

	d := p.d
	d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Msg("http1: request parse failed")

	if p.body != nil {
		p.body.Fail(err)

		if p.req.Trailers != nil {
			p.req.Trailers.Fail(err)
		}

		d.markClosing()

		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrClosed) {
		return err
	}

	if d.isClosing() {
		return err
	}

	status := driver.StatusCode(err)
	if isUnsupportedTEError(err) {
		status = http.StatusNotImplemented
	}

	reason := ""
	var se *driver.StatusError
	if errors.As(err, &se) && se.Code == http.StatusHTTPVersionNotSupported {
		reason = http.StatusText(se.Code)
	}

	if p.version == "" {
		p.version = "1.1"
	}

	s := d.enqueue(nil, nil)
	s.closeAfter = true
	s.version = p.version
	d.respondWithError(s, status, reason)

	return err
}
