package message

import (
	"net/http"
	"strconv"
)

// A Response is what the application hands back to an engine's writer.
// Body is consumed exactly once.
type Response struct {
	Status int
	Reason string
	Header Header
	Body   Stream

	// Trailers are sent after the body on HTTP/2 and chunked HTTP/1.1.
	Trailers *Trailers
}

// NewResponse returns a Response with the standard reason phrase. A nil
// header or body is replaced by an empty one.
func NewResponse(status int, header Header, body Stream) *Response {
	if header == nil {
		header = NewHeader()
	}

	if body == nil {
		body = EmptyStream()
	}

	return &Response{
		Status: status,
		Reason: http.StatusText(status),
		Header: header,
		Body:   body,
	}
}

// NewTextResponse is a convenience for a fixed plain-text body.
func NewTextResponse(status int, text string) *Response {
	h := NewHeader()
	h.Set("content-type", "text/plain; charset=utf-8")
	h.Set("content-length", strconv.Itoa(len(text)))

	return NewResponse(status, h, NewBytesStream([]byte(text)))
}

// NewRedirectResponse returns an empty-bodied redirect to location. A zero
// status means 307 Temporary Redirect.
func NewRedirectResponse(location string, status int) *Response {
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}

	h := NewHeader()
	h.Set("location", location)
	h.Set("content-length", "0")

	return NewResponse(status, h, EmptyStream())
}

// ContentLength returns the parsed content-length header, or -1 when it is
// absent or invalid.
func (r *Response) ContentLength() int64 {
	v := r.Header.Get("content-length")
	if v == "" {
		return -1
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}

	return n
}
