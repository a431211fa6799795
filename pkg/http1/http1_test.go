package http1

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/options"
)

// recorder collects everything the engine writes to the peer.
type recorder struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) write(p []byte) *driver.Promise {
	r.mu.Lock()
	r.buf.Write(p)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}

	return driver.Resolved(nil)
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.buf.String()
}

// waitFor blocks until the output satisfies cond.
func (r *recorder) waitFor(t *testing.T, what string, cond func(string) bool) string {
	t.Helper()

	deadline := time.After(2 * time.Second)

	for {
		if s := r.String(); cond(s) {
			return s
		}

		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; output so far:\n%q", what, r.String())
		}
	}
}

type handlerFunc func(req *message.Request) *message.Response

type harness struct {
	d    *Driver
	proc driver.Process
	conn *driver.Connection
	out  *recorder

	mu   sync.Mutex
	reqs []*message.Request
}

func newRawHarness(t *testing.T, opts *options.Options, onMessage func(h *harness, req *message.Request) *driver.Promise) *harness {
	t.Helper()

	if opts == nil {
		opts = options.New()
	}

	h := &harness{
		d:    New(driver.Config{Options: opts, Logger: zerolog.Nop()}, nil),
		conn: driver.NewConnection(nil, false, "", nil),
		out:  newRecorder(),
	}

	h.proc = h.d.Setup(h.conn, func(req *message.Request) *driver.Promise {
		h.mu.Lock()
		h.reqs = append(h.reqs, req)
		h.mu.Unlock()

		return onMessage(h, req)
	}, h.out.write)

	t.Cleanup(func() { h.proc.Close(nil) })

	return h
}

func newHarness(t *testing.T, opts *options.Options, handler handlerFunc) *harness {
	t.Helper()

	return newRawHarness(t, opts, func(h *harness, req *message.Request) *driver.Promise {
		if handler == nil {
			return driver.NewPromise()
		}

		done := driver.NewPromise()

		go func() {
			h.d.Writer(handler(req), req).Then(done)
		}()

		return done
	})
}

func (h *harness) requests() []*message.Request {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*message.Request(nil), h.reqs...)
}

func (h *harness) feed(t *testing.T, parts ...string) error {
	t.Helper()

	for _, p := range parts {
		if err := h.proc.Feed(context.Background(), []byte(p)); err != nil {
			return err
		}
	}

	return nil
}

func (h *harness) waitClosed(t *testing.T) {
	t.Helper()

	select {
	case <-h.conn.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func textHandler(body string) handlerFunc {
	return func(*message.Request) *message.Response {
		return message.NewTextResponse(200, body)
	}
}

func encodeChunked(body []byte, size int) []byte {
	var buf bytes.Buffer

	bw := bufio.NewWriter(&buf)
	cw := &chunkWriter{bw: bw, chunking: true}

	for len(body) > 0 {
		n := min(size, len(body))
		cw.Write(body[:n])
		body = body[n:]
	}

	cw.close(nil, nil)
	bw.Flush()

	return buf.Bytes()
}

const simpleGet = "GET / HTTP/1.1\r\nHost: x\r\n\r\n"

func TestSingleGet(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.feed(t, simpleGet); err != nil {
		t.Fatal(err)
	}

	reqs := h.requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}

	req := reqs[0]
	if req.Method != "GET" || req.Target != "/" || req.ProtocolVersion != "1.1" || req.Header.Get("host") != "x" {
		t.Fatalf("request = %s %s %s %v", req.Method, req.Target, req.ProtocolVersion, req.Header)
	}

	body, err := message.ReadAll(context.Background(), req.Body)
	if err != nil || len(body) != 0 {
		t.Fatalf("body = %q, %v", body, err)
	}

	if h.d.PendingRequestCount() != 1 {
		t.Fatalf("PendingRequestCount = %d", h.d.PendingRequestCount())
	}
}

func TestSplitBoundaryIndependence(t *testing.T) {
	for i := 1; i < len(simpleGet); i++ {
		for j := i; j < len(simpleGet); j++ {
			h := newHarness(t, nil, nil)

			if err := h.feed(t, simpleGet[:i], simpleGet[i:j], simpleGet[j:]); err != nil {
				t.Fatalf("split %d/%d: %v", i, j, err)
			}

			reqs := h.requests()
			if len(reqs) != 1 {
				t.Fatalf("split %d/%d: got %d requests", i, j, len(reqs))
			}

			r := reqs[0]
			if r.Method != "GET" || r.Target != "/" || r.ProtocolVersion != "1.1" ||
				r.Header.Len() != 1 || r.Header.Get("host") != "x" {
				t.Fatalf("split %d/%d: request = %s %s %s %v", i, j, r.Method, r.Target, r.ProtocolVersion, r.Header)
			}
		}
	}
}

func TestLeadingEmptyLinesSkipped(t *testing.T) {
	h := newHarness(t, nil, nil)

	if err := h.feed(t, "\r\n\r\n"+simpleGet); err != nil {
		t.Fatal(err)
	}

	if len(h.requests()) != 1 {
		t.Fatal("request after blank lines not parsed")
	}
}

func TestChunkedBodyRoundTrip(t *testing.T) {
	opts, _ := options.New().WithMaxBodySize(1 << 20)

	for _, size := range []int{0, 1, 20000} {
		body := bytes.Repeat([]byte("0123456789abcdef"), size/16+1)[:size]

		got := make(chan []byte, 1)
		h := newHarness(t, opts, func(req *message.Request) *message.Response {
			b, err := message.ReadAll(context.Background(), req.Body)
			if err != nil {
				t.Errorf("ReadAll: %v", err)
			}

			got <- b

			return message.NewTextResponse(200, "ok")
		})

		wire := "POST /upload HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n" +
			string(encodeChunked(body, 4096))

		if err := h.feed(t, wire); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}

		select {
		case b := <-got:
			if !bytes.Equal(b, body) {
				t.Fatalf("size %d: body mismatch, got %d bytes", size, len(b))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("size %d: body never completed", size)
		}
	}
}

func TestChunkedRequestTrailers(t *testing.T) {
	got := make(chan message.Header, 1)
	h := newHarness(t, nil, func(req *message.Request) *message.Response {
		message.ReadAll(context.Background(), req.Body)

		tr, err := req.Trailers.Await(context.Background())
		if err != nil {
			t.Errorf("Await: %v", err)
		}

		got <- tr

		return message.NewTextResponse(200, "ok")
	})

	err := h.feed(t, "POST / HTTP/1.1\r\nHost: x\r\nTrailer: X-Sum\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"3;ext=1\r\nabc\r\n0\r\nX-Sum: 42\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case tr := <-got:
		if tr.Get("x-sum") != "42" {
			t.Fatalf("trailers = %v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trailers never resolved")
	}
}

func TestPipelineOrdering(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil, func(req *message.Request) *message.Response {
		if req.Target == "/a" {
			<-release

			return message.NewTextResponse(200, "response-A")
		}

		return message.NewTextResponse(200, "response-B")
	})

	err := h.feed(t, "GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)

	if out := h.out.String(); out != "" {
		t.Fatalf("B was written before A: %q", out)
	}

	close(release)

	out := h.out.waitFor(t, "both responses", func(s string) bool {
		return strings.Contains(s, "response-A") && strings.Contains(s, "response-B")
	})

	if strings.Index(out, "response-A") > strings.Index(out, "response-B") {
		t.Fatalf("responses out of order:\n%s", out)
	}
}

func TestPipelineDepthLimit(t *testing.T) {
	opts, _ := options.New().WithMaxPendingRequests(1)
	h := newHarness(t, opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.proc.Feed(ctx, []byte(simpleGet+simpleGet))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Feed = %v, want to block on the full pipeline", err)
	}

	if len(h.requests()) != 1 {
		t.Fatalf("dispatched %d requests past the pipeline limit", len(h.requests()))
	}
}

func TestHeaderTooLarge(t *testing.T) {
	opts, _ := options.New().WithMaxHeaderSize(64)
	h := newHarness(t, opts, nil)

	err := h.feed(t, "GET / HTTP/1.1\r\nHost: x\r\nX-Big: "+strings.Repeat("a", 100)+"\r\n\r\n")
	if !errors.Is(err, driver.ErrHeaderTooLarge) {
		t.Fatalf("Feed = %v, want ErrHeaderTooLarge", err)
	}

	out := h.out.waitFor(t, "431", func(s string) bool { return strings.Contains(s, "\r\n\r\n") })
	if !strings.HasPrefix(out, "HTTP/1.1 431 ") || !strings.Contains(out, "connection: close") {
		t.Fatalf("diagnostic = %q", out)
	}

	h.waitClosed(t)

	if len(h.requests()) != 0 {
		t.Fatal("oversized request was dispatched")
	}
}

func TestProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status string
	}{
		{"bad version", "GET / HTTP/2.0\r\n\r\n", "505"},
		{"garbage version", "GET / FOO\r\n\r\n", "400"},
		{"missing host", "GET / HTTP/1.1\r\n\r\n", "400"},
		{"two hosts", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", "400"},
		{"obs-fold", "GET / HTTP/1.1\r\nHost: a\r\nX: 1\r\n 2\r\n\r\n", "400"},
		{"bad field name", "GET / HTTP/1.1\r\nHost: a\r\nBad Name: 1\r\n\r\n", "400"},
		{"cl and te", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", "400"},
		{"differing cl", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n", "400"},
		{"unsupported te", "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: gzip\r\n\r\n", "501"},
		{"expectation", "GET / HTTP/1.1\r\nHost: a\r\nExpect: teapot\r\n\r\n", "417"},
		{"h2 preface without upgrade", "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n", "505"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)

			if err := h.feed(t, tt.input); err == nil {
				t.Fatal("Feed accepted malformed input")
			}

			out := h.out.waitFor(t, "diagnostic", func(s string) bool { return strings.Contains(s, "\r\n\r\n") })
			if !strings.HasPrefix(out, "HTTP/1.1 "+tt.status+" ") {
				t.Fatalf("diagnostic = %q, want status %s", out, tt.status)
			}

			h.waitClosed(t)
		})
	}
}

func TestMultipleIdenticalContentLengths(t *testing.T) {
	got := make(chan string, 1)
	h := newHarness(t, nil, func(req *message.Request) *message.Response {
		b, _ := message.ReadAll(context.Background(), req.Body)
		got <- string(b)

		return message.NewTextResponse(200, "ok")
	})

	if err := h.feed(t, "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3, 3\r\n\r\nabc"); err != nil {
		t.Fatal(err)
	}

	if b := <-got; b != "abc" {
		t.Fatalf("body = %q", b)
	}
}

func TestNotImplementedMethodKeepsConnection(t *testing.T) {
	h := newHarness(t, nil, textHandler("fine"))

	err := h.feed(t, "PROPFIND / HTTP/1.1\r\nHost: x\r\n\r\n"+simpleGet)
	if err != nil {
		t.Fatal(err)
	}

	out := h.out.waitFor(t, "two responses", func(s string) bool { return strings.Contains(s, "fine") })

	if !strings.HasPrefix(out, "HTTP/1.1 501 ") {
		t.Fatalf("first response is not 501:\n%s", out)
	}

	if !strings.Contains(out, "HTTP/1.1 200 OK") {
		t.Fatalf("second response missing:\n%s", out)
	}

	if reqs := h.requests(); len(reqs) != 1 || reqs[0].Method != "GET" {
		t.Fatalf("onMessage saw %d requests", len(reqs))
	}

	if h.conn.IsClosed() {
		t.Fatal("501 closed the connection")
	}
}

func TestHTTP10UnknownLengthCloses(t *testing.T) {
	h := newHarness(t, nil, func(*message.Request) *message.Response {
		return message.NewResponse(200, nil, message.NewReaderStream(strings.NewReader("streamed body"), 4))
	})

	if err := h.feed(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	h.waitClosed(t)

	out := h.out.String()
	if !strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n") {
		t.Fatalf("status line: %q", out)
	}

	if strings.Contains(out, "transfer-encoding") || !strings.Contains(out, "connection: close") {
		t.Fatalf("HTTP/1.0 response framed wrong:\n%s", out)
	}

	if !strings.HasSuffix(out, "\r\n\r\nstreamed body") {
		t.Fatalf("body not written raw:\n%q", out)
	}
}

func TestHTTP10KeepAliveWithLength(t *testing.T) {
	h := newHarness(t, nil, textHandler("hi"))

	if err := h.feed(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	out := h.out.waitFor(t, "response", func(s string) bool { return strings.HasSuffix(s, "hi") })

	if !strings.Contains(out, "connection: keep-alive") {
		t.Fatalf("keep-alive not acknowledged:\n%s", out)
	}

	time.Sleep(20 * time.Millisecond)

	if h.conn.IsClosed() {
		t.Fatal("keep-alive connection was closed")
	}
}

func TestCloseDelimitedBodyEndsPipeline(t *testing.T) {
	body := strings.Repeat("A", 100)

	h := newHarness(t, nil, func(req *message.Request) *message.Response {
		if req.Target == "/a" {
			return message.NewResponse(200, nil, message.NewReaderStream(strings.NewReader(body), 10))
		}

		return message.NewTextResponse(200, "B")
	})

	err := h.feed(t, "GET /a HTTP/1.0\r\nConnection: keep-alive\r\n\r\nGET /b HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	h.waitClosed(t)

	// Give an abandoned second response the chance to show up.
	time.Sleep(20 * time.Millisecond)

	out := h.out.String()
	if n := strings.Count(out, "HTTP/1.0 200 OK\r\n"); n != 1 {
		t.Fatalf("wrote %d responses, want 1:\n%q", n, out)
	}

	if !strings.Contains(out, "connection: close") || !strings.HasSuffix(out, "\r\n\r\n"+body) {
		t.Fatalf("close-delimited response malformed:\n%q", out)
	}
}

func TestDiagnosticVersionAfterEarlierRequest(t *testing.T) {
	h := newHarness(t, nil, textHandler("hi"))

	if err := h.feed(t, "GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	h.out.waitFor(t, "first response", func(s string) bool { return strings.HasSuffix(s, "hi") })

	if err := h.feed(t, "GET / FOO\r\n\r\n"); err == nil {
		t.Fatal("Feed accepted malformed request line")
	}

	out := h.out.waitFor(t, "diagnostic", func(s string) bool { return strings.Contains(s, " 400 ") })
	if !strings.Contains(out, "hiHTTP/1.1 400 ") {
		t.Fatalf("diagnostic not sent as HTTP/1.1:\n%q", out)
	}
}

func TestChunkedResponseWithTrailers(t *testing.T) {
	h := newHarness(t, nil, func(*message.Request) *message.Response {
		tr := message.NewTrailers("X-Checksum")
		th := message.NewHeader()
		th.Set("x-checksum", "abc")
		tr.Resolve(th)

		res := message.NewResponse(200, nil, message.NewReaderStream(strings.NewReader("hello world"), 5))
		res.Trailers = tr

		return res
	})

	if err := h.feed(t, simpleGet); err != nil {
		t.Fatal(err)
	}

	out := h.out.waitFor(t, "chunked response", func(s string) bool { return strings.HasSuffix(s, "\r\n\r\n") && strings.Contains(s, "0\r\n") })

	for _, want := range []string{
		"transfer-encoding: chunked\r\n",
		"trailer: x-checksum\r\n",
		"5\r\nhello\r\n5\r\n worl\r\n1\r\nd\r\n0\r\nx-checksum: abc\r\n\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}

	if strings.Contains(out, "content-length") {
		t.Fatalf("chunked response carries content-length:\n%s", out)
	}
}

func TestFirstBodyReadFailureSends500(t *testing.T) {
	h := newHarness(t, nil, func(*message.Request) *message.Response {
		return message.NewResponse(200, nil, message.NewErrorStream(nil, errors.New("boom")))
	})

	if err := h.feed(t, simpleGet); err != nil {
		t.Fatal(err)
	}

	h.waitClosed(t)

	if out := h.out.String(); !strings.HasPrefix(out, "HTTP/1.1 500 ") {
		t.Fatalf("response = %q", out)
	}
}

func TestLaterBodyFailureClosesWithoutTerminator(t *testing.T) {
	h := newHarness(t, nil, func(*message.Request) *message.Response {
		return message.NewResponse(200, nil, message.NewErrorStream([]byte("partial"), errors.New("boom")))
	})

	if err := h.feed(t, simpleGet); err != nil {
		t.Fatal(err)
	}

	h.waitClosed(t)

	out := h.out.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK") || !strings.Contains(out, "partial") {
		t.Fatalf("response = %q", out)
	}

	if strings.HasSuffix(out, "0\r\n\r\n") {
		t.Fatal("failed body was terminated as if complete")
	}
}

func TestHeadOmitsBody(t *testing.T) {
	h := newHarness(t, nil, textHandler("invisible"))

	if err := h.feed(t, "HEAD / HTTP/1.1\r\nHost: x\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	out := h.out.waitFor(t, "head response", func(s string) bool { return strings.HasSuffix(s, "\r\n\r\n") })
	if strings.Contains(out, "invisible") || !strings.Contains(out, "content-length: 9") {
		t.Fatalf("HEAD response = %q", out)
	}
}

func TestExpectContinue(t *testing.T) {
	h := newHarness(t, nil, func(req *message.Request) *message.Response {
		b, _ := message.ReadAll(context.Background(), req.Body)

		return message.NewTextResponse(200, "got "+string(b))
	})

	if err := h.feed(t, "PUT / HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n"); err != nil {
		t.Fatal(err)
	}

	h.out.waitFor(t, "100 Continue", func(s string) bool { return strings.HasPrefix(s, "HTTP/1.1 100 Continue\r\n\r\n") })

	if err := h.feed(t, "hello"); err != nil {
		t.Fatal(err)
	}

	h.out.waitFor(t, "final response", func(s string) bool { return strings.HasSuffix(s, "got hello") })
}

func TestBodyTooLarge(t *testing.T) {
	opts, _ := options.New().WithMaxBodySize(4)

	readErr := make(chan error, 1)
	h := newHarness(t, opts, func(req *message.Request) *message.Response {
		_, err := message.ReadAll(context.Background(), req.Body)
		readErr <- err

		return message.NewTextResponse(413, "too big")
	})

	err := h.feed(t, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n0123456789")
	if !errors.Is(err, driver.ErrBodyTooLarge) {
		t.Fatalf("Feed = %v, want ErrBodyTooLarge", err)
	}

	if err := <-readErr; driver.StatusCode(err) != 413 {
		t.Fatalf("consumer saw %v", err)
	}

	h.waitClosed(t)

	if out := h.out.String(); !strings.HasPrefix(out, "HTTP/1.1 413 ") {
		t.Fatalf("response = %q", out)
	}
}

func TestMaxBodySizeOverride(t *testing.T) {
	opts, _ := options.New().WithMaxBodySize(4)

	got := make(chan string, 1)
	h := newRawHarness(t, opts, func(_ *harness, req *message.Request) *driver.Promise {
		req.SetMaxBodySize(100)

		go func() {
			b, _ := message.ReadAll(context.Background(), req.Body)
			got <- string(b)
		}()

		return driver.NewPromise()
	})

	if err := h.feed(t, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\n0123456789"); err != nil {
		t.Fatal(err)
	}

	if b := <-got; b != "0123456789" {
		t.Fatalf("body = %q", b)
	}
}

func TestConnectionCloseStopsParsing(t *testing.T) {
	h := newHarness(t, nil, textHandler("bye"))

	err := h.feed(t, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"+simpleGet)
	if err != nil {
		t.Fatal(err)
	}

	h.waitClosed(t)

	if n := len(h.requests()); n != 1 {
		t.Fatalf("parsed %d requests after connection: close", n)
	}

	if out := h.out.String(); strings.Count(out, "HTTP/1.1 200") != 1 || !strings.Contains(out, "connection: close") {
		t.Fatalf("output = %q", out)
	}
}

func TestUnreadBodyIsDrained(t *testing.T) {
	h := newHarness(t, nil, textHandler("ignored body"))

	err := h.feed(t, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}

	h.out.waitFor(t, "first response", func(s string) bool { return strings.HasSuffix(s, "ignored body") })

	if err := h.feed(t, "hello"+simpleGet); err != nil {
		t.Fatal(err)
	}

	h.out.waitFor(t, "second response", func(s string) bool { return strings.Count(s, "ignored body") == 2 })
}
