package http2

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2/hpack"

	"github.com/ekinhbayar/http-server/internal"
	"github.com/ekinhbayar/http-server/pkg/message"
)

// StreamState is the RFC 9113 section 5.1 state of a stream.
type StreamState int

const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

var stateName = map[StreamState]string{
	StateIdle:             "idle",
	StateOpen:             "open",
	StateHalfClosedLocal:  "half-closed(local)",
	StateHalfClosedRemote: "half-closed(remote)",
	StateClosed:           "closed",
}

func (s StreamState) String() string {
	return stateName[s]
}

type stream struct {
	id    uint32
	state StreamState // guarded by Driver.mu

	req  *message.Request
	body *message.Pipe

	recvWindow    int64 // guarded by Driver.mu
	sendWindow    int64 // guarded by Driver.mu
	received      int64
	declaredLen   int64 // content-length, or -1
	discardBody   bool
	answered      bool // guarded by Driver.mu; response finished or abandoned

	ctx    context.Context // canceled on reset
	cancel context.CancelFunc

	prev        <-chan struct{} // HEADERS of the previous stream written
	headersDone chan struct{}
	headersOnce sync.Once
}

func (s *stream) releaseHeaders() {
	s.headersOnce.Do(func() { close(s.headersDone) })
}

// remoteClosed reports whether the peer can no longer send on s.
func (s *stream) remoteClosed() bool {
	return s.state == StateHalfClosedRemote || s.state == StateClosed
}

// connectionHeaders are the fields RFC 9113 section 8.2.2 forbids.
var connectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

type requestHead struct {
	method, scheme, authority, path string
	header                          message.Header
}

// decodeRequestHead validates a decoded header list and splits it into
// pseudo-headers and regular fields. A non-empty reason means the request
// is malformed.
func decodeRequestHead(fields []hpack.HeaderField) (head requestHead, reason string) {
	head.header = message.NewHeader()
	regular := false

	var cookies []string

	for _, f := range fields {
		if internal.HasUpper(f.Name) {
			return head, "uppercase header field name"
		}

		if strings.HasPrefix(f.Name, ":") {
			if regular {
				return head, "pseudo-header after regular field"
			}

			var dst *string

			switch f.Name {
			case ":method":
				dst = &head.method
			case ":scheme":
				dst = &head.scheme
			case ":authority":
				dst = &head.authority
			case ":path":
				dst = &head.path
			default:
				return head, "unknown pseudo-header " + f.Name
			}

			if *dst != "" {
				return head, "duplicate pseudo-header " + f.Name
			}

			*dst = f.Value

			continue
		}

		regular = true

		if connectionHeaders[f.Name] {
			return head, "connection-specific header " + f.Name
		}

		if f.Name == "te" && f.Value != "trailers" {
			return head, "invalid te header"
		}

		if f.Name == "cookie" {
			cookies = append(cookies, f.Value)

			continue
		}

		head.header.Add(f.Name, f.Value)
	}

	if len(cookies) > 0 {
		head.header.Set("cookie", strings.Join(cookies, "; "))
	}

	if head.method == "" {
		return head, "missing :method"
	}

	if head.method == "CONNECT" {
		if head.authority == "" || head.path != "" || head.scheme != "" {
			return head, "malformed CONNECT request"
		}

		return head, ""
	}

	if head.path == "" || head.scheme == "" {
		return head, "missing :path or :scheme"
	}

	return head, ""
}

// contentLength returns the declared body length, -1 when absent, or ok
// false when the header is malformed.
func contentLength(h message.Header) (n int64, ok bool) {
	vv := h.Values("content-length")
	if len(vv) == 0 {
		return -1, true
	}

	for _, v := range vv[1:] {
		if v != vv[0] {
			return 0, false
		}
	}

	n, err := strconv.ParseInt(vv[0], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

// headerListSize is the RFC 9113 section 6.5.2 size of a field.
func headerListSize(f hpack.HeaderField) int {
	return len(f.Name) + len(f.Value) + 32
}
