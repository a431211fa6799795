// Package options holds the immutable set of server-wide tunables that every
// protocol engine reads. Each With* method validates its input and returns a
// modified copy; the receiver is never changed, so an *Options shared between
// connections can be read without locking.
package options

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is wrapped by every error returned from a With* method.
var ErrInvalid = errors.New("options: invalid value")

// Default values.
const (
	DefaultMaxConnections       = 10000
	DefaultMaxConnectionsPerIP  = 30 // IPv4: /32, IPv6: /56 (RFC 6177)
	DefaultConnectionTimeout    = 15 * time.Second
	DefaultSocketBacklogSize    = 128
	DefaultMaxConcurrentStreams = 20
	DefaultMaxFramesPerSecond   = 60
	DefaultMinAverageFrameSize  = 1024
	DefaultMaxBodySize          = 131072
	DefaultMaxHeaderSize        = 32768
	DefaultIOGranularity        = 8192
	DefaultInputBufferSize      = 8192
	DefaultOutputBufferSize     = 8192
	DefaultShutdownTimeout      = 3000 * time.Millisecond
	DefaultMaxPendingRequests   = 16
)

var defaultAllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "HEAD", "OPTIONS", "DELETE"}

// Options is an immutable snapshot of server configuration.
// The zero value is not usable; start from New.
type Options struct {
	debug                bool
	maxConnections       int
	maxConnectionsPerIP  int
	connectionTimeout    time.Duration
	socketBacklogSize    int
	maxConcurrentStreams int
	maxFramesPerSecond   int
	minAverageFrameSize  int
	maxBodySize          int64
	maxHeaderSize        int
	ioGranularity        int
	inputBufferSize      int
	outputBufferSize     int
	shutdownTimeout      time.Duration
	maxPendingRequests   int
	allowedMethods       []string
	allowHTTP2Upgrade    bool
}

// New returns Options populated with the defaults.
func New() *Options {
	return &Options{
		maxConnections:       DefaultMaxConnections,
		maxConnectionsPerIP:  DefaultMaxConnectionsPerIP,
		connectionTimeout:    DefaultConnectionTimeout,
		socketBacklogSize:    DefaultSocketBacklogSize,
		maxConcurrentStreams: DefaultMaxConcurrentStreams,
		maxFramesPerSecond:   DefaultMaxFramesPerSecond,
		minAverageFrameSize:  DefaultMinAverageFrameSize,
		maxBodySize:          DefaultMaxBodySize,
		maxHeaderSize:        DefaultMaxHeaderSize,
		ioGranularity:        DefaultIOGranularity,
		inputBufferSize:      DefaultInputBufferSize,
		outputBufferSize:     DefaultOutputBufferSize,
		shutdownTimeout:      DefaultShutdownTimeout,
		maxPendingRequests:   DefaultMaxPendingRequests,
		allowedMethods:       append([]string(nil), defaultAllowedMethods...),
	}
}

func (o *Options) clone() *Options {
	n := *o
	n.allowedMethods = append([]string(nil), o.allowedMethods...)

	return &n
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// IsInDebugMode reports whether the server runs in debug mode.
func (o *Options) IsInDebugMode() bool { return o.debug }

// WithDebugMode enables debug mode.
func (o *Options) WithDebugMode() *Options {
	n := o.clone()
	n.debug = true

	return n
}

// WithoutDebugMode disables debug mode.
func (o *Options) WithoutDebugMode() *Options {
	n := o.clone()
	n.debug = false

	return n
}

// MaxConnections is the maximum number of connections served at one time.
func (o *Options) MaxConnections() int { return o.maxConnections }

// WithMaxConnections sets MaxConnections. count must be at least one.
func (o *Options) WithMaxConnections(count int) (*Options, error) {
	if count < 1 {
		return nil, invalid("max connections setting must be greater than or equal to one, got %d", count)
	}

	n := o.clone()
	n.maxConnections = count

	return n, nil
}

// MaxConnectionsPerIP is the maximum number of connections from one address.
func (o *Options) MaxConnectionsPerIP() int { return o.maxConnectionsPerIP }

// WithMaxConnectionsPerIP sets MaxConnectionsPerIP. count must be at least one.
func (o *Options) WithMaxConnectionsPerIP(count int) (*Options, error) {
	if count < 1 {
		return nil, invalid("connections per IP maximum must be greater than or equal to one, got %d", count)
	}

	n := o.clone()
	n.maxConnectionsPerIP = count

	return n, nil
}

// ConnectionTimeout is how long a connection may stay idle before it is
// closed.
func (o *Options) ConnectionTimeout() time.Duration { return o.connectionTimeout }

// WithConnectionTimeout sets ConnectionTimeout in whole seconds. seconds must
// be at least one.
func (o *Options) WithConnectionTimeout(seconds int) (*Options, error) {
	if seconds < 1 {
		return nil, invalid("keep alive timeout setting must be greater than or equal to one second, got %d", seconds)
	}

	n := o.clone()
	n.connectionTimeout = time.Duration(seconds) * time.Second

	return n, nil
}

// SocketBacklogSize is the listen backlog for each server socket.
func (o *Options) SocketBacklogSize() int { return o.socketBacklogSize }

// WithSocketBacklogSize sets SocketBacklogSize. backlog must be at least 16.
func (o *Options) WithSocketBacklogSize(backlog int) (*Options, error) {
	if backlog < 16 {
		return nil, invalid("socket backlog size setting must be greater than or equal to 16, got %d", backlog)
	}

	n := o.clone()
	n.socketBacklogSize = backlog

	return n, nil
}

// MaxConcurrentStreams is the maximum number of concurrent HTTP/2 streams.
func (o *Options) MaxConcurrentStreams() int { return o.maxConcurrentStreams }

// WithMaxConcurrentStreams sets MaxConcurrentStreams. streams must be at
// least one.
func (o *Options) WithMaxConcurrentStreams(streams int) (*Options, error) {
	if streams < 1 {
		return nil, invalid("max number of concurrent streams setting must be greater than zero, got %d", streams)
	}

	n := o.clone()
	n.maxConcurrentStreams = streams

	return n, nil
}

// MaxFramesPerSecond is the number of HTTP/2 frames per second above which
// MinAverageFrameSize is enforced.
func (o *Options) MaxFramesPerSecond() int { return o.maxFramesPerSecond }

// WithMaxFramesPerSecond sets MaxFramesPerSecond. frames must be at least one.
func (o *Options) WithMaxFramesPerSecond(frames int) (*Options, error) {
	if frames < 1 {
		return nil, invalid("max number of HTTP/2 frames per second setting must be greater than zero, got %d", frames)
	}

	n := o.clone()
	n.maxFramesPerSecond = frames

	return n, nil
}

// MinAverageFrameSize is the smallest average HTTP/2 frame size tolerated
// once MaxFramesPerSecond is exceeded.
func (o *Options) MinAverageFrameSize() int { return o.minAverageFrameSize }

// WithMinAverageFrameSize sets MinAverageFrameSize. size must be at least one.
func (o *Options) WithMinAverageFrameSize(size int) (*Options, error) {
	if size < 1 {
		return nil, invalid("minimum average frame size must be greater than zero, got %d", size)
	}

	n := o.clone()
	n.minAverageFrameSize = size

	return n, nil
}

// MaxBodySize is the default maximum request body size in bytes. A request
// may raise its own limit with message.Request.SetMaxBodySize.
func (o *Options) MaxBodySize() int64 { return o.maxBodySize }

// WithMaxBodySize sets MaxBodySize. bytes must not be negative.
func (o *Options) WithMaxBodySize(bytes int64) (*Options, error) {
	if bytes < 0 {
		return nil, invalid("max body size setting must be greater than or equal to zero, got %d", bytes)
	}

	n := o.clone()
	n.maxBodySize = bytes

	return n, nil
}

// MaxHeaderSize is the maximum size of a request header section in bytes.
func (o *Options) MaxHeaderSize() int { return o.maxHeaderSize }

// WithMaxHeaderSize sets MaxHeaderSize. bytes must be positive.
func (o *Options) WithMaxHeaderSize(bytes int) (*Options, error) {
	if bytes <= 0 {
		return nil, invalid("max header size setting must be greater than zero, got %d", bytes)
	}

	n := o.clone()
	n.maxHeaderSize = bytes

	return n, nil
}

// IOGranularity is the maximum number of bytes read from a client per read.
func (o *Options) IOGranularity() int { return o.ioGranularity }

// WithIOGranularity sets IOGranularity. bytes must be at least one.
func (o *Options) WithIOGranularity(bytes int) (*Options, error) {
	if bytes < 1 {
		return nil, invalid("IO granularity setting must be greater than zero, got %d", bytes)
	}

	n := o.clone()
	n.ioGranularity = bytes

	return n, nil
}

// InputBufferSize is the number of request body bytes buffered ahead of
// the consumer before the parser stops reading from the connection.
func (o *Options) InputBufferSize() int { return o.inputBufferSize }

// WithInputBufferSize sets InputBufferSize. bytes must be at least one.
func (o *Options) WithInputBufferSize(bytes int) (*Options, error) {
	if bytes < 1 {
		return nil, invalid("input buffer size must be greater than zero bytes, got %d", bytes)
	}

	n := o.clone()
	n.inputBufferSize = bytes

	return n, nil
}

// OutputBufferSize is the number of response bytes buffered before a write
// is made to the client.
func (o *Options) OutputBufferSize() int { return o.outputBufferSize }

// WithOutputBufferSize sets OutputBufferSize. bytes must be positive.
func (o *Options) WithOutputBufferSize(bytes int) (*Options, error) {
	if bytes <= 0 {
		return nil, invalid("output buffer size must be greater than zero bytes, got %d", bytes)
	}

	n := o.clone()
	n.outputBufferSize = bytes

	return n, nil
}

// ShutdownTimeout is how long in-flight responses may run once the server
// is stopping.
func (o *Options) ShutdownTimeout() time.Duration { return o.shutdownTimeout }

// WithShutdownTimeout sets ShutdownTimeout in milliseconds. milliseconds
// must not be negative.
func (o *Options) WithShutdownTimeout(milliseconds int) (*Options, error) {
	if milliseconds < 0 {
		return nil, invalid("shutdown timeout size must be greater than or equal to zero, got %d", milliseconds)
	}

	n := o.clone()
	n.shutdownTimeout = time.Duration(milliseconds) * time.Millisecond

	return n, nil
}

// MaxPendingRequests is the number of pipelined HTTP/1.x requests that may
// await a response before the parser stops reading.
func (o *Options) MaxPendingRequests() int { return o.maxPendingRequests }

// WithMaxPendingRequests sets MaxPendingRequests. count must be at least one.
func (o *Options) WithMaxPendingRequests(count int) (*Options, error) {
	if count < 1 {
		return nil, invalid("max pending requests must be greater than zero, got %d", count)
	}

	n := o.clone()
	n.maxPendingRequests = count

	return n, nil
}

// AllowedMethods returns a copy of the allowed request methods.
func (o *Options) AllowedMethods() []string {
	return append([]string(nil), o.allowedMethods...)
}

// IsMethodAllowed reports whether method is in AllowedMethods.
func (o *Options) IsMethodAllowed(method string) bool {
	for _, m := range o.allowedMethods {
		if m == method {
			return true
		}
	}

	return false
}

// WithAllowedMethods sets AllowedMethods. Duplicates are removed. The list
// must not contain empty names and must contain GET and HEAD.
func (o *Options) WithAllowedMethods(methods []string) (*Options, error) {
	unique := make([]string, 0, len(methods))
	seen := make(map[string]struct{}, len(methods))

	for i, m := range methods {
		if m == "" {
			return nil, invalid("empty HTTP method at index %d of allowed methods", i)
		}

		if _, ok := seen[m]; ok {
			continue
		}

		seen[m] = struct{}{}
		unique = append(unique, m)
	}

	if _, ok := seen["GET"]; !ok {
		return nil, invalid("servers must support GET as an allowed HTTP method")
	}

	if _, ok := seen["HEAD"]; !ok {
		return nil, invalid("servers must support HEAD as an allowed HTTP method")
	}

	n := o.clone()
	n.allowedMethods = unique

	return n, nil
}

// IsHTTP2UpgradeAllowed reports whether unencrypted prior-knowledge HTTP/2
// is accepted on HTTP/1.x connections.
func (o *Options) IsHTTP2UpgradeAllowed() bool { return o.allowHTTP2Upgrade }

// WithHTTP2Upgrade enables prior-knowledge HTTP/2 on HTTP/1.x connections.
func (o *Options) WithHTTP2Upgrade() *Options {
	n := o.clone()
	n.allowHTTP2Upgrade = true

	return n
}

// WithoutHTTP2Upgrade disables prior-knowledge HTTP/2.
func (o *Options) WithoutHTTP2Upgrade() *Options {
	n := o.clone()
	n.allowHTTP2Upgrade = false

	return n
}
