package driver

import (
	"context"
	"sync"
)

// A Promise is a single-assignment result. It is resolved at most once;
// later calls to Resolve are ignored.
type Promise struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewPromise returns an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolved returns a Promise already completed with err.
func Resolved(err error) *Promise {
	p := NewPromise()
	p.Resolve(err)

	return p
}

// Resolve completes p with err, which may be nil.
func (p *Promise) Resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done is closed once p is resolved.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Err returns the result of p. It is only meaningful after Done is closed.
func (p *Promise) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until p is resolved or ctx is done.
func (p *Promise) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then resolves next with p's result once p completes.
func (p *Promise) Then(next *Promise) {
	go func() {
		<-p.done
		next.Resolve(p.err)
	}()
}
