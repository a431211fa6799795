// Package driver defines the contract between a connection's byte stream
// and the protocol engine that turns it into requests and back into
// responses.
package driver

import (
	"context"

	"github.com/ekinhbayar/http-server/pkg/message"
)

// OnMessageFunc is called by an engine for each complete request. The
// returned Promise resolves once the response to req has been fully
// written. An engine never blocks its parser waiting for it.
type OnMessageFunc func(req *message.Request) *Promise

// WriteFunc sends p to the peer. The Promise resolves once p has been
// flushed or failed. The engine must not modify p afterwards.
type WriteFunc func(p []byte) *Promise

// An HttpDriver is one protocol engine bound to one connection.
type HttpDriver interface {
	// Setup binds the engine to conn and returns the process that consumes
	// the connection's bytes.
	Setup(conn *Connection, onMessage OnMessageFunc, write WriteFunc) Process

	// Writer serializes res as the answer to req. The Promise resolves
	// once the response, trailers included, has been written.
	Writer(res *message.Response, req *message.Request) *Promise

	// PendingRequestCount reports requests parsed but not yet answered.
	PendingRequestCount() int
}

// A Process consumes a connection's input.
type Process interface {
	// Feed hands p to the parser. It returns once p has been consumed,
	// which may mean waiting for body backpressure or pipeline depth to
	// clear; it never waits on an application handler to produce a
	// response. A non-nil error means the connection must be closed once
	// pending writes finish.
	Feed(ctx context.Context, p []byte) error

	// Close cancels the process and releases partial state. err is
	// propagated to any body still being read.
	Close(err error)
}

// A GracefulShutdowner is implemented by engines that can announce a
// shutdown to the peer, such as HTTP/2 with GOAWAY.
type GracefulShutdowner interface {
	Shutdown() *Promise
}
