package driver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ekinhbayar/http-server/pkg/message"
)

// An ErrorHandler builds the response sent for protocol-level failures and
// rejected requests. req is nil when the failure happened before a request
// could be parsed.
type ErrorHandler interface {
	HandleError(status int, reason string, req *message.Request) *message.Response
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(status int, reason string, req *message.Request) *message.Response

func (f ErrorHandlerFunc) HandleError(status int, reason string, req *message.Request) *message.Response {
	return f(status, reason, req)
}

// DefaultErrorHandler answers with a short plain-text body.
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) HandleError(status int, reason string, _ *message.Request) *message.Response {
	if reason == "" {
		reason = http.StatusText(status)
	}

	body := fmt.Sprintf("%d %s", status, reason)

	h := message.NewHeader()
	h.Set("content-type", "text/plain; charset=utf-8")
	h.Set("content-length", strconv.Itoa(len(body)))

	res := message.NewResponse(status, h, message.NewBytesStream([]byte(body)))
	res.Reason = reason

	return res
}
