package message

import (
	"net"
	"sync/atomic"

	"github.com/ekinhbayar/http-server/internal"
)

// Conn is the view of the underlying connection a Request exposes to the
// application.
type Conn interface {
	ID() uint64
	RemoteAddr() net.Addr
	IsEncrypted() bool
	Close()
}

// A Request is a parsed HTTP request. Body is read at most once.
type Request struct {
	Method          string
	Target          string
	ProtocolVersion string // "1.0", "1.1" or "2"
	Header          Header
	Body            Stream

	// Trailers, when non-nil, resolve after Body reaches io.EOF.
	Trailers *Trailers

	// Conn is the connection the request arrived on; nil in tests.
	Conn Conn

	maxBodySize atomic.Int64
}

// NewRequest returns a Request with an empty body and the given body limit.
func NewRequest(method, target, version string, header Header, maxBodySize int64) *Request {
	if header == nil {
		header = NewHeader()
	}

	r := &Request{
		Method:          method,
		Target:          target,
		ProtocolVersion: version,
		Header:          header,
		Body:            EmptyStream(),
	}
	r.maxBodySize.Store(maxBodySize)

	return r
}

// MaxBodySize returns the effective body limit for this request.
func (r *Request) MaxBodySize() int64 {
	return r.maxBodySize.Load()
}

// SetMaxBodySize overrides the body limit. It only takes effect for bytes
// not yet received, so it should be called before the body is read.
func (r *Request) SetMaxBodySize(n int64) {
	if n < 0 {
		n = 0
	}

	r.maxBodySize.Store(n)
}

// ExpectsContinue reports whether the client sent "expect: 100-continue".
func (r *Request) ExpectsContinue() bool {
	return internal.HasToken(r.Header.Get("expect"), "100-continue")
}

// WantsClose reports whether the request asks for the connection to be
// closed after the response, taking the protocol default into account.
func (r *Request) WantsClose() bool {
	conn := r.Header.Get("connection")

	if r.ProtocolVersion == "1.0" {
		return !internal.HasToken(conn, "keep-alive")
	}

	return internal.HasToken(conn, "close")
}
