package message

import (
	"context"
	"errors"
	"sync"

	"github.com/ekinhbayar/http-server/internal"
)

// ErrTrailersUnavailable is returned by Trailers.Await when the body ended
// without producing trailers.
var ErrTrailersUnavailable = errors.New("message: trailers unavailable")

// Trailers are header fields computed only once a body has been fully
// produced. The declared field names are known up front so that the writer
// can announce them before the body starts.
type Trailers struct {
	fields []string

	once   sync.Once
	done   chan struct{}
	header Header
	err    error
}

// NewTrailers returns unresolved trailers declaring fields.
func NewTrailers(fields ...string) *Trailers {
	lower := make([]string, 0, len(fields))
	for _, f := range fields {
		lower = append(lower, internal.ToLower(f))
	}

	return &Trailers{fields: lower, done: make(chan struct{})}
}

// StaticTrailers returns trailers already resolved to h, declaring its keys.
func StaticTrailers(h Header) *Trailers {
	fields := make([]string, 0, len(h))
	h.Each(func(k, _ string) {
		if len(fields) == 0 || fields[len(fields)-1] != k {
			fields = append(fields, k)
		}
	})

	t := &Trailers{fields: fields, done: make(chan struct{})}
	t.Resolve(h)

	return t
}

// Fields returns the declared trailer field names.
func (t *Trailers) Fields() []string {
	return append([]string(nil), t.fields...)
}

// Resolve completes t with h. Only the first call to Resolve or Fail has
// any effect.
func (t *Trailers) Resolve(h Header) {
	t.once.Do(func() {
		if h == nil {
			h = NewHeader()
		}

		t.header = h
		close(t.done)
	})
}

// Fail completes t with err.
func (t *Trailers) Fail(err error) {
	if err == nil {
		err = ErrTrailersUnavailable
	}

	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once t has been resolved or failed.
func (t *Trailers) Done() <-chan struct{} {
	return t.done
}

// Await blocks until t is resolved.
func (t *Trailers) Await(ctx context.Context) (Header, error) {
	select {
	case <-t.done:
		return t.header, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
