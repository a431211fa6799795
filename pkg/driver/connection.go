package driver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var connectionIDs atomic.Uint64

// Connection is the engine's view of an accepted socket. It is owned by the
// serve loop; engines hold a reference and call Close when the protocol
// requires the connection to end.
type Connection struct {
	id         uint64
	remoteAddr net.Addr
	encrypted  bool
	alpn       string

	idleDeadline atomic.Int64 // unix nanoseconds, 0 for none

	closeOnce sync.Once
	closed    chan struct{}
	closeFn   func()
}

// NewConnection returns a Connection with a fresh identifier. closeFn, if
// non-nil, runs exactly once when the connection is closed.
func NewConnection(remoteAddr net.Addr, encrypted bool, alpn string, closeFn func()) *Connection {
	return &Connection{
		id:         connectionIDs.Add(1),
		remoteAddr: remoteAddr,
		encrypted:  encrypted,
		alpn:       alpn,
		closed:     make(chan struct{}),
		closeFn:    closeFn,
	}
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *Connection) IsEncrypted() bool { return c.encrypted }

// NegotiatedProtocol returns the ALPN result, or "" when none was agreed.
func (c *Connection) NegotiatedProtocol() string { return c.alpn }

// SetIdleDeadline records when the connection is considered idle.
func (c *Connection) SetIdleDeadline(t time.Time) {
	if t.IsZero() {
		c.idleDeadline.Store(0)

		return
	}

	c.idleDeadline.Store(t.UnixNano())
}

// IdleDeadline returns the deadline set by SetIdleDeadline, or the zero time.
func (c *Connection) IdleDeadline() time.Time {
	n := c.idleDeadline.Load()
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n)
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		if c.closeFn != nil {
			c.closeFn()
		}
	})
}

// Closed is closed once Close has been called.
func (c *Connection) Closed() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
