package http1

import (
	"errors"
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/ekinhbayar/http-server/internal"
	"github.com/ekinhbayar/http-server/pkg/message"
)

// parseRequestLine parses "GET /foo HTTP/1.1" into its three parts.
func parseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	requestURI, proto, ok2 := strings.Cut(rest, " ")

	if !ok1 || !ok2 {
		return "", "", "", false
	}

	return method, requestURI, proto, true
}

// isH2Preface reports whether the request line is the start of the
// HTTP/2 client connection preface.
func isH2Preface(method, target, proto string) bool {
	return method == "PRI" && target == "*" && proto == "HTTP/2.0"
}

func numLeadingCRorLF(v []byte) (n int) {
	for _, b := range v {
		if b == '\r' || b == '\n' {
			n++
			continue
		}

		break
	}

	return
}

// unsupportedTEError reports unsupported transfer-encodings.
type unsupportedTEError struct {
	err string
}

func (uste *unsupportedTEError) Error() string {
	return uste.err
}

// isUnsupportedTEError checks if the error is of type
// unsupportedTEError. It is usually invoked with a non-nil err.
func isUnsupportedTEError(err error) bool {
	var unsupported *unsupportedTEError

	return errors.As(err, &unsupported)
}

func fixPragmaCacheControl(header message.Header) {
	if hp := header.Values("pragma"); len(hp) > 0 && hp[0] == "no-cache" {
		if !header.Has("cache-control") {
			header.Set("cache-control", "no-cache")
		}
	}
}

// isProtocolSwitchResponse reports whether the response code and
// response header indicate a successful protocol upgrade response.
func isProtocolSwitchResponse(code int, h message.Header) bool {
	return code == http.StatusSwitchingProtocols &&
		h.Get("upgrade") != "" &&
		httpguts.HeaderValuesContainsToken(h.Values("connection"), "upgrade")
}

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

var (
	suppressedHeaders304    = []string{"content-type", "content-length", "transfer-encoding"}
	suppressedHeadersNoBody = []string{"content-length", "transfer-encoding"}
)

func suppressedHeaders(status int) []string {
	switch {
	case status == 304:
		// RFC 7232 section 4.1
		return suppressedHeaders304
	case !bodyAllowedForStatus(status):
		return suppressedHeadersNoBody
	}

	return nil
}

// foreachHeaderElement splits v according to the "#rule" construction
// in RFC 7230 section 7 and calls fn for each non-empty element.
func foreachHeaderElement(v string, fn func(string)) {
	v = textproto.TrimString(v)
	if v == "" {
		return
	}

	if !strings.Contains(v, ",") {
		fn(v)
		return
	}

	for _, f := range strings.Split(v, ",") {
		if f = textproto.TrimString(f); f != "" {
			fn(f)
		}
	}
}

// headerElements joins every comma-separated element of vv.
func headerElements(vv []string) []string {
	var out []string

	for _, v := range vv {
		foreachHeaderElement(v, func(e string) { out = append(out, e) })
	}

	return out
}

// wants10KeepAlive reports whether an HTTP/1.0 request asked to keep the
// connection open.
func wants10KeepAlive(req *message.Request) bool {
	if req == nil || req.ProtocolVersion != "1.0" {
		return false
	}

	return internal.HasToken(req.Header.Get("connection"), "keep-alive")
}
