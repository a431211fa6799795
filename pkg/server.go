// Package pkg runs the protocol engines over network connections: it admits
// connections, selects an engine per connection, pumps socket bytes into the
// engine and engine output back to the socket, and dispatches requests to
// the application handler.
package pkg

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/options"
)

var (
	// ErrServerClosed is returned by the Serve and ServeConn methods after
	// a call to Shutdown.
	ErrServerClosed = errors.New("http-server: Server closed")

	// ErrTooManyConnections is returned by ServeConn when maxConnections
	// connections are already open.
	ErrTooManyConnections = errors.New("http-server: too many connections")

	// ErrTooManyConnectionsPerIP is returned by ServeConn when the client
	// already holds maxConnectionsPerIP connections.
	ErrTooManyConnectionsPerIP = errors.New("http-server: too many connections from client")

	errIdleTimeout = errors.New("http-server: idle timeout")
)

// A Server serves HTTP/1.x and HTTP/2 connections. Its exported fields must
// not be changed once the first connection is served.
type Server struct {
	// Addr optionally specifies the TCP address for the server to listen on,
	// in the form "host:port". If empty, ":http" (port 80) is used.
	Addr string

	// Options holds the limits. If nil, options.New() is used.
	Options *options.Options

	Handler    Handler // NotFoundHandler if nil
	Middleware []Middleware

	// ErrorHandler builds responses for protocol errors and failed
	// handlers. If nil, driver.DefaultErrorHandler is used.
	ErrorHandler driver.ErrorHandler

	// Time is the clock shared by the engines. If nil, the system clock is
	// used.
	Time driver.TimeReference

	// Factory selects the engine per connection. If nil, a
	// DefaultDriverFactory is used.
	Factory DriverFactory

	// TLSConfig optionally provides a TLS configuration for use
	// by ServeTLS and ListenAndServeTLS.
	TLSConfig *tls.Config

	// ConnState specifies an optional callback function that is
	// called when a client connection changes state.
	ConnState func(net.Conn, ConnState)

	// Logger receives connection lifecycle events at debug level and
	// handler panics at error level. The zero value discards everything.
	Logger zerolog.Logger

	startOnce sync.Once
	cfg       driver.Config
	factory   DriverFactory
	handler   Handler

	inShutdown atomic.Bool // true when server is in shutdown

	mu         sync.Mutex
	listeners  map[*net.Listener]struct{}
	activeConn map[*conn]struct{}
	perClient  map[string]int
}

// start captures the configuration; engines see one immutable snapshot.
func (s *Server) start() {
	s.startOnce.Do(func() {
		s.cfg = driver.Config{
			Options:      s.Options,
			Time:         s.Time,
			ErrorHandler: s.ErrorHandler,
			Logger:       s.Logger,
		}.WithDefaults()

		s.factory = s.Factory
		if s.factory == nil {
			s.factory = &DefaultDriverFactory{}
		}

		s.factory.OnStart(s.cfg)

		h := s.Handler
		if h == nil {
			h = NotFoundHandler()
		}

		s.handler = Chain(h, s.Middleware...)
	})
}

// ListenAndServe listens on the TCP network address s.Addr and then calls
// Serve to handle connections.
func (s *Server) ListenAndServe() error {
	if s.shuttingDown() {
		return ErrServerClosed
	}

	addr := s.Addr
	if addr == "" {
		addr = ":http"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ln)
}

// ListenAndServeTLS acts like ListenAndServe but serves TLS, offering the
// factory's application layer protocols through ALPN.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}

	addr := s.Addr
	if addr == "" {
		addr = ":https"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	defer ln.Close()

	return s.ServeTLS(ln, certFile, keyFile)
}

// ServeTLS wraps l with TLS and serves it. Files containing a certificate
// and matching private key must be provided if neither TLSConfig's
// Certificates nor GetCertificate are populated.
func (s *Server) ServeTLS(l net.Listener, certFile, keyFile string) error {
	s.start()

	config := &tls.Config{}
	if s.TLSConfig != nil {
		config = s.TLSConfig.Clone()
	}

	for _, proto := range s.factory.ApplicationLayerProtocols() {
		if validNextProto(proto) && !strSliceContains(config.NextProtos, proto) {
			config.NextProtos = append(config.NextProtos, proto)
		}
	}

	configHasCert := len(config.Certificates) > 0 || config.GetCertificate != nil
	if !configHasCert || certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return err
		}

		config.Certificates = []tls.Certificate{cert}
	}

	return s.Serve(tls.NewListener(l, config))
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)

	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each.
func (s *Server) Serve(l net.Listener) error {
	s.start()

	l = &onceCloseListener{Listener: l}
	defer l.Close()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	var tempDelay time.Duration // how long to sleep on accept failure

	ctx := context.WithValue(context.Background(), ServerContextKey, s)

	for {
		rw, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}

			var ne net.Error

			//nolint:all
			if errors.As(err, &ne) && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}

				if duration := 1 * time.Second; tempDelay > duration {
					tempDelay = duration
				}

				s.Logger.Error().Err(err).Dur("retry_in", tempDelay).Msg("http: accept error")
				time.Sleep(tempDelay)

				continue
			}

			return err
		}

		tempDelay = 0

		go func() {
			if err := s.ServeConn(ctx, rw); err != nil && !errors.Is(err, ErrServerClosed) {
				s.Logger.Debug().Err(err).Stringer("remote", rw.RemoteAddr()).Msg("http: connection ended")
			}
		}()
	}
}

// ServeConn serves one connection until it is closed and returns the
// reason it ended. Connections beyond the configured limits are closed
// immediately.
func (s *Server) ServeConn(ctx context.Context, rwc net.Conn) error {
	s.start()

	if s.shuttingDown() {
		rwc.Close()

		return ErrServerClosed
	}

	c := &conn{server: s, rwc: rwc, client: clientKey(rwc.RemoteAddr())}

	if err := s.admit(c); err != nil {
		s.Logger.Debug().Err(err).Str("client", c.client).Msg("http: connection refused")
		rwc.Close()

		return err
	}

	if ctx.Value(ServerContextKey) == nil {
		ctx = context.WithValue(ctx, ServerContextKey, s)
	}

	c.setState(StateNew)

	return c.serve(ctx)
}

// admit registers c unless a connection limit would be exceeded.
func (s *Server) admit(c *conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeConn == nil {
		s.activeConn = make(map[*conn]struct{})
		s.perClient = make(map[string]int)
	}

	if len(s.activeConn) >= s.cfg.Options.MaxConnections() {
		return ErrTooManyConnections
	}

	if s.perClient[c.client] >= s.cfg.Options.MaxConnectionsPerIP() {
		return ErrTooManyConnectionsPerIP
	}

	s.activeConn[c] = struct{}{}
	s.perClient[c.client]++

	return nil
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		return // registered by admit
	}

	if _, ok := s.activeConn[c]; !ok {
		return
	}

	delete(s.activeConn, c)

	if s.perClient[c.client]--; s.perClient[c.client] <= 0 {
		delete(s.perClient, c.client)
	}
}

func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}

	if add {
		if s.shuttingDown() {
			return false
		}

		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}

	return true
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.activeConn)
}

// Shutdown gracefully shuts down the server: it closes all listeners, stops
// reading new requests on HTTP/1 connections, sends GOAWAY on HTTP/2
// connections and waits for pending responses to finish. Connections still
// busy after the configured shutdown timeout, or when ctx expires, are
// closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.start()
	s.inShutdown.Store(true)

	s.mu.Lock()
	for ln := range s.listeners {
		(*ln).Close()
	}

	conns := make([]*conn, 0, len(s.activeConn))
	for c := range s.activeConn {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.beginShutdown()
	}

	timer := time.NewTimer(s.cfg.Options.ShutdownTimeout())
	defer timer.Stop()

	pollIntervalBase := time.Millisecond
	nextPollInterval := func() time.Duration {
		// Add 10% jitter.
		interval := pollIntervalBase + time.Duration(time.Now().UnixNano()%int64(pollIntervalBase/10+1))
		// Double and clamp for next time.
		pollIntervalBase *= 2
		if pollIntervalBase > shutdownPollIntervalMax {
			pollIntervalBase = shutdownPollIntervalMax
		}

		return interval
	}

	ticker := time.NewTicker(nextPollInterval())
	defer ticker.Stop()

	for {
		if s.closeIdleConns() {
			return nil
		}

		select {
		case <-ctx.Done():
			s.closeAllConns()

			return ctx.Err()
		case <-timer.C:
			s.Logger.Debug().Int("connections", s.ActiveConnections()).Msg("http: shutdown timeout, closing connections")
			s.closeAllConns()

			return nil
		case <-ticker.C:
			ticker.Reset(nextPollInterval())
		}
	}
}

// closeIdleConns closes connections without pending responses and reports
// whether all connections are now closed.
func (s *Server) closeIdleConns() bool {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.activeConn))
	for c := range s.activeConn {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	quiescent := true

	for _, c := range conns {
		if c.pending() > 0 {
			quiescent = false

			continue
		}

		c.closeNow()
	}

	return quiescent
}

func (s *Server) closeAllConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.activeConn {
		c.closeNow()
	}
}

// A ConnState represents the state of a client connection to a server.
type ConnState int

const (
	// StateNew represents a new connection that is expected to
	// send a request immediately. Connections begin at this
	// state and then transition to either StateActive or
	// StateClosed.
	StateNew ConnState = iota

	// StateActive represents a connection that has read 1 or more
	// bytes of a request or still has responses outstanding.
	StateActive

	// StateIdle represents a connection that has finished every
	// response and waits for the next request.
	StateIdle

	// StateClosed represents a closed connection.
	// This is a terminal state.
	StateClosed
)

var stateName = map[ConnState]string{
	StateNew:    "new",
	StateActive: "active",
	StateIdle:   "idle",
	StateClosed: "closed",
}

func (c ConnState) String() string {
	return stateName[c]
}

type writeRequest struct {
	b []byte
	p *driver.Promise
}

// A conn represents the server side of a connection.
type conn struct {
	// server is the server on which the connection arrived.
	// Immutable; never nil.
	server *Server

	// rwc is the underlying network connection.
	rwc net.Conn

	// client groups connections for the per-client limit.
	client string

	mu    sync.Mutex // guards dconn and drv, set once the handshake is done
	dconn *driver.Connection
	drv   driver.HttpDriver

	writes chan writeRequest

	// graceful is set once Shutdown reached this connection.
	graceful atomic.Bool

	curState atomic.Uint64 // packed (unixtime<<8|uint8(ConnState))
}

func (c *conn) setState(state ConnState) {
	srv := c.server

	switch state {
	case StateNew:
		srv.trackConn(c, true)
	case StateClosed:
		srv.trackConn(c, false)
	}

	packedState := uint64(time.Now().Unix()<<8) | uint64(state)

	for {
		old := c.curState.Load()

		prev := ConnState(old & 0xff)
		if prev == StateClosed || (prev == state && state != StateNew) {
			return
		}

		if c.curState.CompareAndSwap(old, packedState) {
			break
		}
	}

	if hook := srv.ConnState; hook != nil {
		hook(c.rwc, state)
	}
}

func (c *conn) timeout() time.Duration {
	return c.server.cfg.Options.ConnectionTimeout()
}

func (c *conn) engine() (*driver.Connection, driver.HttpDriver) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dconn, c.drv
}

func (c *conn) pending() int {
	if _, drv := c.engine(); drv != nil {
		return drv.PendingRequestCount()
	}

	return 0
}

// closeNow closes the connection regardless of outstanding work.
func (c *conn) closeNow() {
	if dconn, _ := c.engine(); dconn != nil {
		dconn.Close()

		return
	}

	c.rwc.Close()
}

// beginShutdown stops the connection from taking new requests. Before the
// engine is selected it only marks the connection; serve finishes the job.
func (c *conn) beginShutdown() {
	_, drv := c.engine()
	if drv == nil {
		c.graceful.Store(true)

		return
	}

	if c.graceful.Swap(true) {
		return
	}

	if gs, ok := drv.(driver.GracefulShutdowner); ok {
		gs.Shutdown()

		return
	}

	// Unblock the read loop; it drains pending responses and exits.
	c.rwc.SetReadDeadline(aLongTimeAgo)
}

// serve runs the connection until it is closed.
func (c *conn) serve(ctx context.Context) (err error) {
	log := c.server.Logger

	defer func() {
		if rec := recover(); rec != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			log.Error().Interface("panic", rec).Str("stack", string(buf)).Stringer("remote", c.rwc.RemoteAddr()).Msg("http: panic serving connection")
		}

		c.closeNow()
		c.rwc.Close()
		c.setState(StateClosed)
	}()

	encrypted, alpn := false, ""

	if tlsConn, ok := c.rwc.(*tls.Conn); ok {
		tlsConn.SetDeadline(time.Now().Add(c.timeout()))

		if err := tlsConn.HandshakeContext(ctx); err != nil {
			// If the handshake failed due to the client not speaking
			// TLS, assume they're speaking plaintext HTTP and write a
			// 400 response on the TLS conn's underlying net.Conn.
			var re tls.RecordHeaderError
			if errors.As(err, &re) && re.Conn != nil && tlsRecordHeaderLooksLikeHTTP(re.RecordHeader) {
				io.WriteString(re.Conn, "HTTP/1.0 400 Bad Request\r\n\r\nClient sent an HTTP request to an HTTPS server.\n")
				re.Conn.Close()
			}

			log.Debug().Err(err).Stringer("remote", c.rwc.RemoteAddr()).Msg("http: TLS handshake failed")

			return err
		}

		tlsConn.SetDeadline(time.Time{})

		encrypted = true
		alpn = tlsConn.ConnectionState().NegotiatedProtocol
	}

	dconn := driver.NewConnection(c.rwc.RemoteAddr(), encrypted, alpn, func() { c.rwc.Close() })
	drv := c.server.factory.SelectDriver(dconn)

	c.mu.Lock()
	c.dconn, c.drv = dconn, drv
	c.mu.Unlock()

	c.writes = make(chan writeRequest)

	ctx, cancel := context.WithCancel(context.WithValue(ctx, ConnectionContextKey, c.dconn))
	defer cancel()

	log.Debug().Uint64("conn", c.dconn.ID()).Stringer("remote", c.rwc.RemoteAddr()).Bool("tls", encrypted).Str("alpn", alpn).Msg("http: connection opened")

	go c.writeLoop()

	proc := c.drv.Setup(c.dconn, c.onMessage(ctx), c.write)

	if c.server.shuttingDown() || c.graceful.Load() {
		c.graceful.Store(false)
		c.beginShutdown()
	}

	err = c.readLoop(ctx, proc)
	proc.Close(err)

	log.Debug().Err(err).Uint64("conn", c.dconn.ID()).Msg("http: connection closed")

	if errors.Is(err, io.EOF) || errors.Is(err, errIdleTimeout) || driver.IsCommonNetReadError(err) {
		return nil
	}

	return err
}

// readLoop feeds socket input to proc, at most ioGranularity bytes at a
// time. Feed blocking is what applies backpressure to the peer.
func (c *conn) readLoop(ctx context.Context, proc driver.Process) error {
	buf := make([]byte, c.server.cfg.Options.IOGranularity())

	for {
		if c.dconn.IsClosed() {
			return driver.ErrClosed
		}

		deadline := time.Now().Add(c.timeout())
		c.dconn.SetIdleDeadline(deadline)

		if c.graceful.Load() {
			if _, ok := c.drv.(driver.GracefulShutdowner); !ok {
				deadline = aLongTimeAgo
			}
		}

		c.rwc.SetReadDeadline(deadline)

		n, err := c.rwc.Read(buf)
		if n > 0 {
			c.setState(StateActive)

			if ferr := proc.Feed(ctx, buf[:n]); ferr != nil {
				c.drainPending(ctx)

				return ferr
			}
		}

		if err == nil {
			continue
		}

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && !c.dconn.IsClosed() {
			if c.graceful.Load() {
				c.drainPending(ctx)

				return ErrServerClosed
			}

			if c.pending() > 0 {
				// Still answering; not idle.
				continue
			}

			return errIdleTimeout
		}

		if errors.Is(err, io.EOF) {
			// The peer half-closed; let queued responses go out.
			c.drainPending(ctx)
		}

		return err
	}
}

// drainPending waits until the engine has no outstanding responses, the
// connection closes or the shutdown timeout elapses.
func (c *conn) drainPending(ctx context.Context) {
	timer := time.NewTimer(c.server.cfg.Options.ShutdownTimeout())
	defer timer.Stop()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for c.pending() > 0 {
		select {
		case <-ticker.C:
		case <-timer.C:
			return
		case <-c.dconn.Closed():
			return
		case <-ctx.Done():
			return
		}
	}
}

// write hands p to the write loop. Writes are applied in call order.
func (c *conn) write(p []byte) *driver.Promise {
	w := writeRequest{b: p, p: driver.NewPromise()}

	select {
	case c.writes <- w:
	case <-c.dconn.Closed():
		w.p.Resolve(driver.ErrClosed)
	}

	return w.p
}

func (c *conn) writeLoop() {
	for {
		select {
		case w := <-c.writes:
			c.rwc.SetWriteDeadline(time.Now().Add(c.timeout()))

			_, err := c.rwc.Write(w.b)
			if err != nil {
				c.server.Logger.Debug().Err(err).Uint64("conn", c.dconn.ID()).Msg("http: write failed")
				c.dconn.Close()
			}

			w.p.Resolve(err)
		case <-c.dconn.Closed():
			return
		}
	}
}

// onMessage runs the handler for every request the engine dispatches.
func (c *conn) onMessage(ctx context.Context) driver.OnMessageFunc {
	return func(req *message.Request) *driver.Promise {
		p := driver.NewPromise()

		go func() {
			res := c.runHandler(ctx, req)
			c.drv.Writer(res, req).Then(p)

			<-p.Done()

			if c.pending() == 0 && !c.dconn.IsClosed() {
				c.setState(StateIdle)
			}
		}()

		return p
	}
}

// runHandler calls the handler, turning errors and panics into error
// responses.
func (c *conn) runHandler(ctx context.Context, req *message.Request) (res *message.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			c.server.Logger.Error().Interface("panic", rec).Str("stack", string(buf)).Uint64("conn", c.dconn.ID()).Str("method", req.Method).Str("target", req.Target).Msg("http: panic in handler")

			res = c.failure(http.StatusInternalServerError, req, fmt.Sprintf("panic: %v\n\n%s", rec, buf))
		}
	}()

	res, err := c.server.handler.HandleRequest(ctx, req)
	if err != nil {
		c.server.Logger.Debug().Err(err).Uint64("conn", c.dconn.ID()).Msg("http: handler failed")

		return c.failure(handlerStatus(err), req, err.Error())
	}

	if res == nil {
		return c.failure(http.StatusInternalServerError, req, "handler returned no response")
	}

	return res
}

// failure builds the response for a failed handler. In debug mode detail
// is shown to the client instead of the ErrorHandler's page.
func (c *conn) failure(status int, req *message.Request, detail string) *message.Response {
	if c.server.cfg.Options.IsInDebugMode() {
		return message.NewTextResponse(status, fmt.Sprintf("%d %s\n\n%s\n", status, http.StatusText(status), detail))
	}

	return c.server.cfg.ErrorHandler.HandleError(status, "", req)
}

// handlerStatus is the status for a failed handler: the code carried by a
// *driver.StatusError, 500 otherwise.
func handlerStatus(err error) int {
	var se *driver.StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return http.StatusInternalServerError
}
