package pkg

import (
	"context"
	"net/http"

	"github.com/ekinhbayar/http-server/pkg/message"
)

// A Handler responds to a request. A non-nil error is turned into a
// response by the server's ErrorHandler, using the status carried by a
// *driver.StatusError when there is one.
type Handler interface {
	HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error)
}

// The HandlerFunc type is an adapter to allow the use of ordinary
// functions as handlers.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// HandleRequest calls f(ctx, req).
func (f HandlerFunc) HandleRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	return f(ctx, req)
}

// A Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Chain wraps h so that mw[0] sees the request first and the response
// last.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}

	return h
}

// NotFoundHandler answers every request with 404.
func NotFoundHandler() Handler {
	return HandlerFunc(func(context.Context, *message.Request) (*message.Response, error) {
		return message.NewTextResponse(http.StatusNotFound, "404 page not found"), nil
	})
}
