package http1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/ekinhbayar/http-server/internal"
	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
)

var (
	crlf       = []byte("\r\n")
	colonSpace = []byte(": ")
)

var errContentLength = errors.New("http1: response body does not match content-length")

// promiseWriter adapts a driver.WriteFunc to io.Writer, waiting for each
// write to be flushed before returning.
type promiseWriter struct {
	ctx   context.Context
	write driver.WriteFunc
}

func (w promiseWriter) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)

	if err := w.write(b).Wait(w.ctx); err != nil {
		return 0, err
	}

	return len(p), nil
}

// chunkWriter writes body bytes to bw, framing them as chunks when
// chunking is set.
type chunkWriter struct {
	bw       *bufio.Writer
	chunking bool
	written  int64
}

func (cw *chunkWriter) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}

	if cw.chunking {
		if _, err = fmt.Fprintf(cw.bw, "%x\r\n", len(p)); err != nil {
			return 0, err
		}
	}

	n, err = cw.bw.Write(p)
	if cw.chunking && err == nil {
		_, err = cw.bw.Write(crlf)
	}

	cw.written += int64(n)

	return n, err
}

// close writes the terminating zero chunk followed by trailer fields.
func (cw *chunkWriter) close(trailers message.Header, fields []string) error {
	if !cw.chunking {
		return nil
	}

	cw.bw.WriteString("0\r\n")

	for _, k := range fields {
		for _, v := range trailers.Values(k) {
			writeField(cw.bw, k, v)
		}
	}

	// final blank line after the trailers (whether present or not)
	_, err := cw.bw.Write(crlf)

	return err
}

// writeStatusLine writes an HTTP/1.x Status-Line (RFC 7230 Section 3.1.2)
// to bw. is11 is whether the HTTP request is HTTP/1.1. false means HTTP/1.0.
func writeStatusLine(bw *bufio.Writer, is11 bool, code int, reason string) {
	if is11 {
		bw.WriteString("HTTP/1.1 ")
	} else {
		bw.WriteString("HTTP/1.0 ")
	}

	if reason == "" {
		reason = http.StatusText(code)
	}

	if reason != "" {
		var scratch [3]byte
		bw.Write(strconv.AppendInt(scratch[:0], int64(code), 10))
		bw.WriteByte(' ')
		bw.WriteString(reason)
		bw.Write(crlf)
	} else {
		// don't worry about performance
		fmt.Fprintf(bw, "%03d status code %d\r\n", code, code)
	}
}

func writeField(bw *bufio.Writer, k, v string) {
	bw.WriteString(k)
	bw.Write(colonSpace)
	bw.WriteString(v)
	bw.Write(crlf)
}

// readFirst reads the first non-empty chunk of body. eof reports that the
// body is already exhausted.
func readFirst(ctx context.Context, body message.Stream) (chunk []byte, eof bool, err error) {
	for {
		chunk, err = body.Read(ctx)
		if errors.Is(err, io.EOF) {
			return chunk, true, nil
		}

		if err != nil || len(chunk) > 0 {
			return chunk, false, err
		}
	}
}

// writeResponse serializes res for slot s. closeAfter reports whether the
// connection must be closed once the response is out.
func (d *Driver) writeResponse(ctx context.Context, s *slot, res *message.Response) (closeAfter bool, err error) {
	req := s.req
	version := s.version
	isHEAD := false

	if req != nil {
		version = req.ProtocolVersion
		isHEAD = req.Method == http.MethodHead
	}

	is11 := version == "1.1"
	withBody := bodyAllowedForStatus(res.Status) && !isHEAD

	var (
		first []byte
		eof   bool
	)

	if withBody {
		first, eof, err = readFirst(ctx, res.Body)
		if err != nil {
			// Nothing is committed yet, so the peer still gets a response.
			d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Msg("http1: response body failed before headers")

			res = d.errs.HandleError(http.StatusInternalServerError, "", req)
			closeAfter = true
			withBody = bodyAllowedForStatus(res.Status) && !isHEAD

			if withBody {
				if first, eof, err = readFirst(ctx, res.Body); err != nil {
					return true, err
				}
			}
		}
	}

	status := res.Status

	header := res.Header.Clone()
	if header == nil {
		header = message.NewHeader()
	}

	for _, k := range suppressedHeaders(status) {
		header.Del(k)
	}

	// Framing is decided here, never by the application.
	header.Del("transfer-encoding")

	clen := int64(-1)
	if v := header.Get("content-length"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr == nil && n >= 0 {
			clen = n
		} else {
			d.log.Debug().Str("content-length", v).Msg("http1: dropping invalid content-length")
			header.Del("content-length")
		}
	}

	// If the body is already complete after the first read, send a
	// content-length, even zero. This helps HTTP/1.0 clients keep their
	// "keep-alive" connections alive.
	if withBody && clen < 0 && eof {
		clen = int64(len(first))
		header.Set("content-length", strconv.FormatInt(clen, 10))
	}

	chunking := false

	if withBody && clen < 0 {
		if is11 {
			chunking = true
			header.Set("transfer-encoding", "chunked")
		} else {
			// HTTP version < 1.1: cannot do chunked transfer
			// encoding and we don't know the Content-Length so
			// signal EOF by closing connection.
			closeAfter = true
		}
	}

	if wants10KeepAlive(req) && !closeAfter && (isHEAD || clen >= 0 || !bodyAllowedForStatus(status)) {
		if !header.Has("connection") {
			header.Set("connection", "keep-alive")
		}
	} else if !is11 || (req != nil && req.WantsClose()) {
		closeAfter = true
	}

	// If the client wanted a 100-continue but we never sent it, the next
	// bytes on the wire may be a late body rather than a new request.
	if s.body != nil && req.ExpectsContinue() && !s.body.Finished() {
		s.mu.Lock()
		if !s.sentContinue {
			closeAfter = true
		}
		s.mu.Unlock()
	}

	if s.closeAfter || internal.HasToken(header.Get("connection"), "close") {
		closeAfter = true
	}

	if closeAfter && !isProtocolSwitchResponse(status, header) {
		header.Set("connection", "close")
	}

	var trailerFields []string

	if chunking && res.Trailers != nil {
		for _, f := range res.Trailers.Fields() {
			if httpguts.ValidTrailerHeader(f) {
				trailerFields = append(trailerFields, f)
			}
		}

		if len(trailerFields) > 0 {
			header.Set("trailer", strings.Join(trailerFields, ", "))
		}
	}

	if !header.Has("date") {
		header.Set("date", d.time.Date())
	}

	bw := bufio.NewWriterSize(promiseWriter{ctx: ctx, write: d.write}, d.opts.OutputBufferSize())

	writeStatusLine(bw, is11, status, res.Reason)
	header.Each(func(k, v string) {
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			d.log.Debug().Str("field", k).Msg("http1: dropping invalid response header")

			return
		}

		writeField(bw, k, v)
	})
	bw.Write(crlf)

	if withBody {
		cw := &chunkWriter{bw: bw, chunking: chunking}

		if err := d.copyBody(ctx, cw, res.Body, first, eof, clen); err != nil {
			// Headers are committed; all that is left is to drop the
			// connection without a terminating chunk.
			bw.Flush()

			return true, err
		}

		var trailers message.Header
		if len(trailerFields) > 0 {
			if trailers, err = res.Trailers.Await(ctx); err != nil {
				return true, err
			}
		}

		if err := cw.close(trailers, trailerFields); err != nil {
			return true, err
		}
	}

	return closeAfter, bw.Flush()
}

func (d *Driver) copyBody(ctx context.Context, cw *chunkWriter, body message.Stream, first []byte, eof bool, clen int64) error {
	write := func(p []byte) error {
		if clen >= 0 && cw.written+int64(len(p)) > clen {
			return errContentLength
		}

		_, err := cw.Write(p)

		return err
	}

	if err := write(first); err != nil {
		return err
	}

	for !eof {
		chunk, err := body.Read(ctx)
		if werr := write(chunk); werr != nil {
			return werr
		}

		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}
	}

	if clen >= 0 && cw.written != clen {
		return errContentLength
	}

	return nil
}
