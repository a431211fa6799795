package pkg

import "time"

type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "http-server context value " + k.name
}

var (
	// ServerContextKey is a context key. It can be used in handlers with
	// Context.Value to access the server that started the handler. The
	// associated value will be of type *Server.
	ServerContextKey = &contextKey{"http-server"}

	// ConnectionContextKey is a context key. It can be used in handlers
	// with Context.Value to access the connection the request arrived on.
	// The associated value will be of type *driver.Connection.
	ConnectionContextKey = &contextKey{"connection"}
)

// aLongTimeAgo is a non-zero time, far in the past, used for
// immediate cancellation of network operations.
var aLongTimeAgo = time.Unix(1, 0)

// shutdownPollIntervalMax is the max polling interval when checking
// quiescence during Server.Shutdown.
const shutdownPollIntervalMax = 500 * time.Millisecond
