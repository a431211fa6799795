package message

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// A Stream is a finite, single-pass producer of body chunks. Read returns
// io.EOF once the body is exhausted; a Stream cannot be restarted.
type Stream interface {
	Read(ctx context.Context) ([]byte, error)
}

type bytesStream struct {
	b    []byte
	done bool
}

// NewBytesStream returns a Stream that yields b as a single chunk.
func NewBytesStream(b []byte) Stream {
	return &bytesStream{b: b, done: len(b) == 0}
}

// EmptyStream returns a Stream that is immediately exhausted.
func EmptyStream() Stream {
	return &bytesStream{done: true}
}

func (s *bytesStream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.done {
		return nil, io.EOF
	}

	s.done = true
	b := s.b
	s.b = nil

	return b, nil
}

type readerStream struct {
	r    io.Reader
	size int
}

// NewReaderStream adapts r into a Stream yielding chunks of at most size
// bytes. If r is an io.Closer it is closed at the end.
func NewReaderStream(r io.Reader, size int) Stream {
	if size <= 0 {
		size = 8192
	}

	return &readerStream{r: r, size: size}
}

func (s *readerStream) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.r == nil {
		return nil, io.EOF
	}

	buf := make([]byte, s.size)

	n, err := s.r.Read(buf)
	if n > 0 {
		if errors.Is(err, io.EOF) {
			err = nil
		}

		return buf[:n], err
	}

	if err == nil {
		// Zero-length read without error; try again on the next call.
		return nil, nil
	}

	if c, ok := s.r.(io.Closer); ok {
		c.Close()
	}

	s.r = nil

	return nil, err
}

type errorStream struct {
	prefix []byte
	err    error
}

// NewErrorStream returns a Stream that yields prefix, if any, then fails
// with err on every subsequent Read.
func NewErrorStream(prefix []byte, err error) Stream {
	return &errorStream{prefix: prefix, err: err}
}

func (s *errorStream) Read(context.Context) ([]byte, error) {
	if len(s.prefix) > 0 {
		p := s.prefix
		s.prefix = nil

		return p, nil
	}

	return nil, s.err
}

// ReadAll drains s and returns the concatenated chunks.
func ReadAll(ctx context.Context, s Stream) ([]byte, error) {
	var buf bytes.Buffer

	for {
		chunk, err := s.Read(ctx)
		buf.Write(chunk)

		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}

		if err != nil {
			return buf.Bytes(), err
		}
	}
}
