// Package zlib compresses response bodies on the fly. Bodies are read and
// re-emitted chunk by chunk, so a slow peer slows the upstream producer
// instead of growing a buffer.
package zlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/ekinhbayar/http-server/internal"
	"github.com/ekinhbayar/http-server/pkg"
	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/options"
)

const (
	// DefaultMinimumLength is the smallest body worth compressing.
	DefaultMinimumLength = 860
	// DefaultChunkSize is how much input is gathered before each flush.
	DefaultChunkSize = 8192
	// DefaultContentTypePattern matches text, xml, json and javascript.
	DefaultContentTypePattern = `(?i)^(?:text/.*|[^/]*/xml|[^+]*\+xml|application/(?:json|(?:x-)?javascript))$`

	cacheSize = 1024
)

// ErrCompression is wrapped by every encoder failure. A body stream that
// returned it yields it on every later Read.
var ErrCompression = errors.New("zlib: compression failed")

// A Compressor decides per response whether to compress and wraps the body
// in a compressing stream when it does. It is safe for concurrent use.
type Compressor struct {
	minLength int
	chunkSize int
	pattern   *regexp.Regexp
	log       zerolog.Logger

	// content-type -> compressible
	cache *lru.Cache[string, bool]
}

// An Option configures a Compressor.
type Option func(c *Compressor) error

// WithMinimumLength sets the body length below which responses are sent
// as is.
func WithMinimumLength(n int) Option {
	return func(c *Compressor) error {
		if n < 1 {
			return fmt.Errorf("%w: the minimum length must be positive, got %d", options.ErrInvalid, n)
		}

		c.minLength = n

		return nil
	}
}

// WithChunkSize sets how many input bytes are compressed per flush.
func WithChunkSize(n int) Option {
	return func(c *Compressor) error {
		if n < 1 {
			return fmt.Errorf("%w: the chunk size must be positive, got %d", options.ErrInvalid, n)
		}

		c.chunkSize = n

		return nil
	}
}

// WithContentTypePattern sets the regular expression a content-type, with
// its parameters stripped, must match.
func WithContentTypePattern(expr string) Option {
	return func(c *Compressor) error {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("%w: content-type pattern: %w", options.ErrInvalid, err)
		}

		c.pattern = re

		return nil
	}
}

// WithLogger sets the logger used to report encoder failures.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Compressor) error {
		c.log = log

		return nil
	}
}

// New returns a Compressor. Invalid options are reported here, never while
// handling a request.
func New(opts ...Option) (*Compressor, error) {
	cache, err := lru.New[string, bool](cacheSize)
	if err != nil {
		return nil, err
	}

	c := &Compressor{
		minLength: DefaultMinimumLength,
		chunkSize: DefaultChunkSize,
		pattern:   regexp.MustCompile(DefaultContentTypePattern),
		log:       zerolog.Nop(),
		cache:     cache,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Wrap is a pkg.Middleware compressing the responses of next.
func (c *Compressor) Wrap(next pkg.Handler) pkg.Handler {
	return pkg.HandlerFunc(func(ctx context.Context, req *message.Request) (*message.Response, error) {
		res, err := next.HandleRequest(ctx, req)
		if err != nil || res == nil {
			return res, err
		}

		return c.Compress(ctx, req, res)
	})
}

// Compress returns res, compressed when the request accepts it and the
// response qualifies. The returned error is only set when reading ahead of
// a body of unknown length fails.
func (c *Compressor) Compress(ctx context.Context, req *message.Request, res *message.Response) (*message.Response, error) {
	if res.Header.Has("content-encoding") {
		return res, nil
	}

	length := res.ContentLength()
	if length >= 0 && length < int64(c.minLength) {
		return res, nil
	}

	contentType := res.Header.Get("content-type")
	if contentType == "" {
		return res, nil
	}

	encoding := acceptedEncoding(req.Header.Values("accept-encoding"))
	if encoding == "" {
		return res, nil
	}

	if !c.compressible(contentType) {
		return res, nil
	}

	var ahead []byte

	if length < 0 {
		body := res.Body

		// Only a body longer than the minimum is compressed.
		for len(ahead) <= c.minLength {
			chunk, err := body.Read(ctx)
			ahead = append(ahead, chunk...)

			if errors.Is(err, io.EOF) {
				res.Header.Set("content-length", strconv.Itoa(len(ahead)))
				res.Body = message.NewBytesStream(ahead)

				return res, nil
			}

			if err != nil {
				res.Body = message.NewErrorStream(ahead, err)

				return res, err
			}
		}
	}

	res.Header.Del("content-length")

	if req.ProtocolVersion == "1.0" {
		res.Header.Set("connection", "close")
	}

	res.Header.Set("content-encoding", encoding)
	res.Header.Add("vary", "accept-encoding")

	res.Body = &stream{
		src:       res.Body,
		pending:   ahead,
		chunkSize: c.chunkSize,
		encoding:  encoding,
		log:       c.log,
	}

	return res, nil
}

// compressible reports whether contentType matches the pattern, consulting
// the cache first.
func (c *Compressor) compressible(contentType string) bool {
	if ok, hit := c.cache.Get(contentType); hit {
		return ok
	}

	mediaType, _, _ := strings.Cut(contentType, ";")
	ok := c.pattern.MatchString(strings.TrimSpace(mediaType))
	c.cache.Add(contentType, ok)

	return ok
}

// acceptedEncoding returns "gzip" or "deflate", whichever appears first in
// the first accept-encoding value that names either.
func acceptedEncoding(values []string) string {
	for _, v := range values {
		g, d := internal.IndexFold(v, "gzip"), internal.IndexFold(v, "deflate")

		switch {
		case g >= 0 && (d < 0 || g < d):
			return "gzip"
		case d >= 0:
			return "deflate"
		}
	}

	return ""
}

type encoder interface {
	io.WriteCloser
	Flush() error
}

func newEncoder(encoding string, w io.Writer) (encoder, error) {
	if encoding == "gzip" {
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	}

	return flate.NewWriter(w, flate.DefaultCompression)
}

// stream compresses src. Input is gathered until chunkSize bytes are
// pending, then compressed with a sync flush and emitted.
type stream struct {
	src       message.Stream
	pending   []byte
	chunkSize int
	encoding  string
	log       zerolog.Logger

	enc  encoder
	out  bytes.Buffer
	done bool
	err  error
}

func (s *stream) Read(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	if s.done {
		return nil, io.EOF
	}

	if s.enc == nil {
		enc, err := newEncoder(s.encoding, &s.out)
		if err != nil {
			return nil, s.fail(err)
		}

		s.enc = enc
	}

	for len(s.pending) < s.chunkSize {
		chunk, err := s.src.Read(ctx)
		s.pending = append(s.pending, chunk...)

		if errors.Is(err, io.EOF) {
			return s.finish()
		}

		if err != nil {
			s.err = err

			return nil, err
		}
	}

	if _, err := s.enc.Write(s.pending); err != nil {
		return nil, s.fail(err)
	}

	if err := s.enc.Flush(); err != nil {
		return nil, s.fail(err)
	}

	s.pending = s.pending[:0]

	return s.take(), nil
}

// finish compresses what is left and closes the encoder.
func (s *stream) finish() ([]byte, error) {
	if _, err := s.enc.Write(s.pending); err != nil {
		return nil, s.fail(err)
	}

	if err := s.enc.Close(); err != nil {
		return nil, s.fail(err)
	}

	s.pending = nil
	s.done = true

	return s.take(), nil
}

func (s *stream) take() []byte {
	b := bytes.Clone(s.out.Bytes())
	s.out.Reset()

	return b
}

func (s *stream) fail(err error) error {
	s.err = fmt.Errorf("%w: %s: %w", ErrCompression, s.encoding, err)
	s.log.Debug().Err(err).Str("encoding", s.encoding).Msg("zlib: encoder failed")

	return s.err
}
