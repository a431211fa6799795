package driver

import (
	"errors"
	"io"
	"net"
	"net/http"
)

var (
	ErrHeaderTooLarge = errors.New("http: header section too large")
	ErrBodyTooLarge   = errors.New("http: request body too large")
	ErrNotImplemented = errors.New("http: method not implemented")
	ErrClosed         = errors.New("http: connection closed")
	ErrFrameFlood     = errors.New("http2: frame flood detected")
)

// StatusError is an error used to respond to a request with an HTTP status.
// The text should be plain text without user info or other embedded errors.
type StatusError struct {
	Code int
	Text string
	Err  error // optional sentinel, matched by errors.Is
}

func (e *StatusError) Error() string {
	if e.Text == "" {
		return http.StatusText(e.Code)
	}

	return http.StatusText(e.Code) + ": " + e.Text
}

func (e *StatusError) Unwrap() error { return e.Err }

// BadRequest returns a 400 StatusError with text.
func BadRequest(text string) error {
	return &StatusError{Code: http.StatusBadRequest, Text: text}
}

// StatusCode extracts the status carried by err, or 400 when err carries
// none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	switch {
	case errors.Is(err, ErrHeaderTooLarge):
		return http.StatusRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	}

	return http.StatusBadRequest
}

// IsCommonNetReadError reports whether err is a common error
// encountered during reading a request off the network when the
// client has gone away or had its read fail somehow. This is used to
// determine which logs are interesting enough to log about.
func IsCommonNetReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed) {
		return true
	}

	var neterr net.Error

	if errors.As(err, &neterr) && neterr.Timeout() {
		return true
	}

	var oe *net.OpError

	if errors.As(err, &oe) && oe.Op == "read" {
		return true
	}

	return false
}
