package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/options"
)

func TestPromiseResolvesOnce(t *testing.T) {
	p := NewPromise()

	if p.Err() != nil {
		t.Fatal("unresolved promise reports an error")
	}

	first := errors.New("first")
	p.Resolve(first)
	p.Resolve(nil)

	if err := p.Wait(context.Background()); !errors.Is(err, first) {
		t.Fatalf("Wait = %v, want first", err)
	}
}

func TestPromiseWaitHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := NewPromise().Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v", err)
	}
}

func TestPromiseThen(t *testing.T) {
	p, next := NewPromise(), NewPromise()
	p.Then(next)
	p.Resolve(ErrClosed)

	if err := next.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("next = %v", err)
	}
}

func TestConnectionCloseOnce(t *testing.T) {
	calls := 0
	a := NewConnection(nil, true, "h2", func() { calls++ })
	b := NewConnection(nil, false, "", nil)

	if a.ID() == b.ID() {
		t.Fatal("connection ids must be unique")
	}

	a.Close()
	a.Close()

	if calls != 1 || !a.IsClosed() || b.IsClosed() {
		t.Fatalf("close calls = %d", calls)
	}

	select {
	case <-a.Closed():
	default:
		t.Fatal("Closed channel not closed")
	}
}

func TestConnectionIdleDeadline(t *testing.T) {
	c := NewConnection(nil, false, "", nil)
	if !c.IdleDeadline().IsZero() {
		t.Fatal("deadline should start unset")
	}

	d := time.Unix(1700000000, 0)
	c.SetIdleDeadline(d)

	if !c.IdleDeadline().Equal(d) {
		t.Fatalf("IdleDeadline = %v", c.IdleDeadline())
	}
}

func TestCheckMethod(t *testing.T) {
	opts := options.New()

	tests := []struct {
		method string
		ok     bool
	}{
		{"GET", true},
		{"PATCH", true},
		{"TRACE", false},    // known but not allowed by default
		{"PROPFIND", false}, // unknown
	}

	for _, tt := range tests {
		err := CheckMethod(opts, tt.method)
		if tt.ok && err != nil {
			t.Errorf("CheckMethod(%s) = %v", tt.method, err)
		}

		if !tt.ok && !errors.Is(err, ErrNotImplemented) {
			t.Errorf("CheckMethod(%s) = %v, want ErrNotImplemented", tt.method, err)
		}
	}
}

func TestValidMethod(t *testing.T) {
	for _, m := range []string{"GET", "M-SEARCH", "X"} {
		if !ValidMethod(m) {
			t.Errorf("ValidMethod(%q) = false", m)
		}
	}

	for _, m := range []string{"", "GE T", "GET\x00", "(GET)"} {
		if ValidMethod(m) {
			t.Errorf("ValidMethod(%q) = true", m)
		}
	}
}

func TestAppendTime(t *testing.T) {
	tm := time.Date(2024, time.March, 5, 7, 8, 9, 0, time.FixedZone("x", 3600))

	if got, want := string(AppendTime(nil, tm)), tm.UTC().Format(http.TimeFormat); got != want {
		t.Fatalf("AppendTime = %q, want %q", got, want)
	}
}

func TestTimeReferenceDate(t *testing.T) {
	ref := NewTimeReference()

	if _, err := time.Parse(http.TimeFormat, ref.Date()); err != nil {
		t.Fatalf("Date not in HTTP format: %v", err)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{BadRequest("bad"), 400},
		{&StatusError{Code: 505}, 505},
		{fmt.Errorf("wrap: %w", ErrHeaderTooLarge), 431},
		{ErrBodyTooLarge, 413},
		{ErrNotImplemented, 501},
		{errors.New("other"), 400},
	}

	for _, tt := range tests {
		if got := StatusCode(tt.err); got != tt.want {
			t.Errorf("StatusCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDefaultErrorHandler(t *testing.T) {
	res := DefaultErrorHandler{}.HandleError(501, "", nil)

	body, err := message.ReadAll(context.Background(), res.Body)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != 501 || string(body) != "501 Not Implemented" {
		t.Fatalf("response = %d %q", res.Status, body)
	}

	if res.ContentLength() != int64(len(body)) {
		t.Fatalf("content-length = %d", res.ContentLength())
	}
}
