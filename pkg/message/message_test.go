package message

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestHeaderCaseInsensitive(t *testing.T) {
	h := NewHeader()
	h.Add("Content-Type", "text/plain")
	h.Add("X-Multi", "a")
	h.Add("x-multi", "b")

	if got := h.Get("content-type"); got != "text/plain" {
		t.Fatalf("Get = %q", got)
	}

	if got := h.Values("X-MULTI"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Values = %v", got)
	}

	h.Set("x-multi", "c")
	if got := h.Values("x-multi"); len(got) != 1 || got[0] != "c" {
		t.Fatalf("after Set, Values = %v", got)
	}

	h.Del("CONTENT-TYPE")
	if h.Has("content-type") || h.Len() != 1 {
		t.Fatalf("Del left %v", h)
	}
}

func TestHeaderCloneAndEach(t *testing.T) {
	h := NewHeader()
	h.Add("b", "2")
	h.Add("a", "1")
	h.Add("a", "0")

	c := h.Clone()
	c.Add("a", "x")

	if len(h.Values("a")) != 2 {
		t.Fatal("Clone shares value slices")
	}

	var sb strings.Builder
	h.Each(func(k, v string) { sb.WriteString(k + "=" + v + ";") })

	if got, want := sb.String(), "a=1;a=0;b=2;"; got != want {
		t.Fatalf("Each = %q, want %q", got, want)
	}
}

func TestPipeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(0)

	for _, s := range []string{"ab", "cd", "e"} {
		if err := p.Emit(ctx, []byte(s)); err != nil {
			t.Fatal(err)
		}
	}

	p.Finish(nil)

	got, err := ReadAll(ctx, p)
	if err != nil || string(got) != "abcde" {
		t.Fatalf("ReadAll = %q, %v", got, err)
	}
}

func TestPipeBackpressure(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(4)

	if err := p.Emit(ctx, []byte("1234")); err != nil {
		t.Fatal(err)
	}

	emitted := make(chan error, 1)
	go func() { emitted <- p.Emit(ctx, []byte("5")) }()

	select {
	case <-emitted:
		t.Fatal("Emit returned while the buffer was over its limit")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := p.Read(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-emitted:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Emit still blocked after the consumer read")
	}
}

func TestPipeDiscardUnblocksProducer(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(1)

	emitted := make(chan error, 1)
	go func() { emitted <- p.Emit(ctx, []byte("too much")) }()

	time.Sleep(10 * time.Millisecond)
	p.Discard()

	if err := <-emitted; !errors.Is(err, ErrDiscarded) {
		t.Fatalf("Emit error = %v, want ErrDiscarded", err)
	}

	if err := p.Emit(ctx, []byte("x")); !errors.Is(err, ErrDiscarded) {
		t.Fatalf("Emit after Discard = %v", err)
	}
}

func TestPipeFailAndDemand(t *testing.T) {
	ctx := context.Background()
	p := NewPipe(0)

	demanded := 0
	p.OnDemand(func() { demanded++ })

	boom := errors.New("boom")
	p.Emit(ctx, []byte("dropped"))
	p.Fail(boom)

	if _, err := p.Read(ctx); !errors.Is(err, boom) {
		t.Fatalf("Read error = %v, want boom", err)
	}

	if _, err := p.Read(ctx); !errors.Is(err, boom) {
		t.Fatalf("second Read error = %v, want boom", err)
	}

	if demanded != 1 {
		t.Fatalf("OnDemand ran %d times", demanded)
	}
}

func TestPipeReadHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := NewPipe(0).Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Read error = %v", err)
	}
}

func TestReaderStream(t *testing.T) {
	s := NewReaderStream(strings.NewReader("hello world"), 4)

	got, err := ReadAll(context.Background(), s)
	if err != nil || string(got) != "hello world" {
		t.Fatalf("ReadAll = %q, %v", got, err)
	}

	if _, err := s.Read(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Read after end = %v", err)
	}
}

func TestTrailers(t *testing.T) {
	tr := NewTrailers("X-Checksum")
	if f := tr.Fields(); len(f) != 1 || f[0] != "x-checksum" {
		t.Fatalf("Fields = %v", f)
	}

	go func() {
		h := NewHeader()
		h.Set("x-checksum", "abc")
		tr.Resolve(h)
	}()

	h, err := tr.Await(context.Background())
	if err != nil || h.Get("x-checksum") != "abc" {
		t.Fatalf("Await = %v, %v", h, err)
	}

	tr.Fail(errors.New("late"))
	if _, err := tr.Await(context.Background()); err != nil {
		t.Fatal("Fail after Resolve took effect")
	}
}

func TestRedirectResponse(t *testing.T) {
	r := NewRedirectResponse("/elsewhere", 0)

	if r.Status != 307 || r.Reason != "Temporary Redirect" {
		t.Fatalf("status = %d %q", r.Status, r.Reason)
	}

	if r.Header.Get("location") != "/elsewhere" || r.ContentLength() != 0 {
		t.Fatalf("header = %v", r.Header)
	}
}

func TestRequestWantsClose(t *testing.T) {
	tests := []struct {
		version, connection string
		want                bool
	}{
		{"1.1", "", false},
		{"1.1", "close", true},
		{"1.0", "", true},
		{"1.0", "Keep-Alive", false},
	}

	for _, tt := range tests {
		h := NewHeader()
		if tt.connection != "" {
			h.Set("connection", tt.connection)
		}

		r := NewRequest("GET", "/", tt.version, h, 0)
		if got := r.WantsClose(); got != tt.want {
			t.Errorf("WantsClose(%s, %q) = %v, want %v", tt.version, tt.connection, got, tt.want)
		}
	}
}
