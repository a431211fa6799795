package http2

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/ekinhbayar/http-server/pkg/message"
)

// bodyAllowedForStatus reports whether a given response status code
// permits a body. See RFC 7230, section 3.3.
func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204:
		return false
	case status == 304:
		return false
	}

	return true
}

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

// writeResponse sends res on s once every previously dispatched stream has
// its HEADERS out.
func (d *Driver) writeResponse(s *stream, res *message.Response) (err error) {
	defer func() {
		s.releaseHeaders()

		d.mu.Lock()
		d.answer(s)
		d.mu.Unlock()
	}()

	select {
	case <-s.prev:
	case <-s.ctx.Done():
		return errStreamReset
	}

	if s.ctx.Err() != nil {
		return errStreamReset
	}

	isHEAD := s.req != nil && s.req.Method == http.MethodHead
	withBody := bodyAllowedForStatus(res.Status) && !isHEAD

	var (
		first []byte
		eof   = true
	)

	if withBody {
		first, eof, err = readFirst(s.ctx, res.Body)
		if err != nil {
			d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Uint32("stream", s.id).Msg("http2: response body failed before headers")

			res = d.errs.HandleError(http.StatusInternalServerError, "", s.req)
			withBody = bodyAllowedForStatus(res.Status) && !isHEAD

			if withBody {
				if first, eof, err = readFirst(s.ctx, res.Body); err != nil {
					d.sendReset(s.id, http2.ErrCodeInternal)

					return err
				}
			}
		}
	}

	header := res.Header.Clone()
	if header == nil {
		header = message.NewHeader()
	}

	if withBody && eof && !header.Has("content-length") {
		header.Set("content-length", strconv.Itoa(len(first)))
	}

	var trailerFields []string

	if withBody && res.Trailers != nil {
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

	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(res.Status)}}
	fields = d.appendFields(fields, header, nil)

	endStream := !withBody || (eof && len(first) == 0 && len(trailerFields) == 0)

	if err := d.writeHeaders(s, fields, endStream); err != nil {
		return err
	}

	s.releaseHeaders()

	if endStream {
		d.endLocal(s)

		return nil
	}

	chunk := first

	for {
		if err := d.writeData(s, chunk, eof && len(trailerFields) == 0); err != nil {
			return err
		}

		if eof {
			break
		}

		chunk, err = res.Body.Read(s.ctx)
		if errors.Is(err, io.EOF) {
			eof = true
		} else if err != nil {
			d.log.Debug().Err(err).Uint64("conn", d.conn.ID()).Uint32("stream", s.id).Msg("http2: response body failed")
			d.sendReset(s.id, http2.ErrCodeInternal)

			return err
		}
	}

	if len(trailerFields) > 0 {
		trailers, err := res.Trailers.Await(s.ctx)
		if err != nil {
			d.sendReset(s.id, http2.ErrCodeInternal)

			return err
		}

		if err := d.writeHeaders(s, d.appendFields(nil, trailers, trailerFields), true); err != nil {
			return err
		}
	}

	d.endLocal(s)

	return nil
}

// appendFields appends the fields of h that may travel over HTTP/2. When
// only is non-nil, other names are skipped.
func (d *Driver) appendFields(fields []hpack.HeaderField, h message.Header, only []string) []hpack.HeaderField {
	if only != nil {
		for _, k := range only {
			for _, v := range h.Values(k) {
				fields = append(fields, hpack.HeaderField{Name: strings.ToLower(k), Value: v})
			}
		}

		return fields
	}

	h.Each(func(k, v string) {
		if connectionHeaders[k] || !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			d.log.Debug().Str("field", k).Msg("http2: dropping response header")

			return
		}

		fields = append(fields, hpack.HeaderField{Name: k, Value: v})
	})

	return fields
}

// writeHeaders encodes fields and writes them as HEADERS plus as many
// CONTINUATION frames as the peer's frame size requires.
func (d *Driver) writeHeaders(s *stream, fields []hpack.HeaderField, endStream bool) error {
	if s.ctx.Err() != nil {
		return errStreamReset
	}

	d.mu.Lock()
	maxFrame := d.peerMaxFrameSize
	d.mu.Unlock()

	p := d.writeFrames(func(fr *http2.Framer) error {
		d.hbuf.Reset()

		for _, f := range fields {
			if err := d.henc.WriteField(f); err != nil {
				return err
			}
		}

		block := d.hbuf.Bytes()
		first := true

		for first || len(block) > 0 {
			frag := block
			if len(frag) > maxFrame {
				frag = frag[:maxFrame]
			}

			block = block[len(frag):]

			var err error
			if first {
				err = fr.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      s.id,
					BlockFragment: frag,
					EndStream:     endStream,
					EndHeaders:    len(block) == 0,
				})
			} else {
				err = fr.WriteContinuation(s.id, len(block) == 0, frag)
			}

			if err != nil {
				return err
			}

			first = false
		}

		return nil
	})

	return p.Wait(s.ctx)
}

// writeData sends data split to the available flow-control credit. With
// last set, the final frame carries END_STREAM, even if data is empty.
func (d *Driver) writeData(s *stream, data []byte, last bool) error {
	for len(data) > 0 || last {
		n := 0

		if len(data) > 0 {
			var err error
			if n, err = d.reserve(s, len(data)); err != nil {
				return err
			}
		}

		chunk := data[:n]
		data = data[n:]
		end := last && len(data) == 0

		p := d.writeFrames(func(fr *http2.Framer) error {
			return fr.WriteData(s.id, end, chunk)
		})

		if err := p.Wait(s.ctx); err != nil {
			return err
		}

		if end {
			return nil
		}
	}

	return nil
}

// reserve takes up to want bytes of send credit from both the connection
// and the stream window, waiting for WINDOW_UPDATE while either is empty.
func (d *Driver) reserve(s *stream, want int) (int, error) {
	for {
		d.mu.Lock()
		if s.ctx.Err() != nil {
			d.mu.Unlock()

			return 0, errStreamReset
		}

		n := min(int64(want), int64(d.peerMaxFrameSize), d.sendWindow, s.sendWindow)
		if n > 0 {
			d.sendWindow -= n
			s.sendWindow -= n
			d.mu.Unlock()

			return int(n), nil
		}

		changed := d.windowChanged
		d.mu.Unlock()

		select {
		case <-changed:
		case <-s.ctx.Done():
			return 0, errStreamReset
		}
	}
}

// endLocal records that END_STREAM went out on s. A request body still in
// flight is no longer wanted.
func (d *Driver) endLocal(s *stream) {
	d.mu.Lock()
	if s.remoteClosed() {
		d.closeStream(s)
		d.mu.Unlock()

		return
	}

	s.state = StateHalfClosedLocal
	d.mu.Unlock()

	d.sendReset(s.id, http2.ErrCodeNo)
}
