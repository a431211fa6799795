package options

import (
	"errors"
	"sort"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	o := New()

	if o.MaxConnections() != 10000 || o.MaxConnectionsPerIP() != 30 {
		t.Fatalf("connection defaults = %d/%d", o.MaxConnections(), o.MaxConnectionsPerIP())
	}

	if o.ConnectionTimeout() != 15*time.Second || o.ShutdownTimeout() != 3*time.Second {
		t.Fatalf("timeouts = %v/%v", o.ConnectionTimeout(), o.ShutdownTimeout())
	}

	if o.MaxBodySize() != 131072 || o.MaxHeaderSize() != 32768 {
		t.Fatalf("size defaults = %d/%d", o.MaxBodySize(), o.MaxHeaderSize())
	}

	if o.IsHTTP2UpgradeAllowed() || o.IsInDebugMode() {
		t.Fatal("flags should default to false")
	}
}

func TestIntMutatorBoundaries(t *testing.T) {
	tests := []struct {
		name string
		min  int
		set  func(o *Options, v int) (*Options, error)
		get  func(o *Options) int
	}{
		{"maxConnections", 1, (*Options).WithMaxConnections, (*Options).MaxConnections},
		{"maxConnectionsPerIp", 1, (*Options).WithMaxConnectionsPerIP, (*Options).MaxConnectionsPerIP},
		{"socketBacklogSize", 16, (*Options).WithSocketBacklogSize, (*Options).SocketBacklogSize},
		{"maxConcurrentStreams", 1, (*Options).WithMaxConcurrentStreams, (*Options).MaxConcurrentStreams},
		{"maxFramesPerSecond", 1, (*Options).WithMaxFramesPerSecond, (*Options).MaxFramesPerSecond},
		{"minAverageFrameSize", 1, (*Options).WithMinAverageFrameSize, (*Options).MinAverageFrameSize},
		{"maxHeaderSize", 1, (*Options).WithMaxHeaderSize, (*Options).MaxHeaderSize},
		{"ioGranularity", 1, (*Options).WithIOGranularity, (*Options).IOGranularity},
		{"inputBufferSize", 1, (*Options).WithInputBufferSize, (*Options).InputBufferSize},
		{"outputBufferSize", 1, (*Options).WithOutputBufferSize, (*Options).OutputBufferSize},
		{"maxPendingRequests", 1, (*Options).WithMaxPendingRequests, (*Options).MaxPendingRequests},
		{
			"connectionTimeout", 1, (*Options).WithConnectionTimeout,
			func(o *Options) int { return int(o.ConnectionTimeout() / time.Second) },
		},
		{
			"shutdownTimeout", 0, (*Options).WithShutdownTimeout,
			func(o *Options) int { return int(o.ShutdownTimeout() / time.Millisecond) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := New()
			before := tt.get(orig)

			n, err := tt.set(orig, tt.min)
			if err != nil {
				t.Fatalf("set(%d) error: %v", tt.min, err)
			}

			if got := tt.get(n); got != tt.min {
				t.Fatalf("get = %d, want %d", got, tt.min)
			}

			if _, err := tt.set(orig, tt.min-1); !errors.Is(err, ErrInvalid) {
				t.Fatalf("set(%d) error = %v, want ErrInvalid", tt.min-1, err)
			}

			if got := tt.get(orig); got != before {
				t.Fatalf("original mutated: %d -> %d", before, got)
			}
		})
	}
}

func TestMaxBodySizeBoundary(t *testing.T) {
	o := New()

	n, err := o.WithMaxBodySize(0)
	if err != nil || n.MaxBodySize() != 0 {
		t.Fatalf("WithMaxBodySize(0) = %v, %v", n, err)
	}

	if _, err := o.WithMaxBodySize(-1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("WithMaxBodySize(-1) error = %v", err)
	}

	if o.MaxBodySize() != DefaultMaxBodySize {
		t.Fatal("original mutated")
	}
}

func TestBooleanMutators(t *testing.T) {
	o := New()
	up := o.WithHTTP2Upgrade()

	if !up.IsHTTP2UpgradeAllowed() || o.IsHTTP2UpgradeAllowed() {
		t.Fatal("WithHTTP2Upgrade must copy")
	}

	if up.WithoutHTTP2Upgrade().IsHTTP2UpgradeAllowed() {
		t.Fatal("WithoutHTTP2Upgrade did not clear the flag")
	}

	if !o.WithDebugMode().IsInDebugMode() || o.WithDebugMode().WithoutDebugMode().IsInDebugMode() {
		t.Fatal("debug mode toggles wrong")
	}
}

func TestAllowedMethods(t *testing.T) {
	tests := []struct {
		name    string
		methods []string
		wantErr bool
	}{
		{"missing GET", []string{"HEAD", "POST"}, true},
		{"missing HEAD", []string{"GET", "POST"}, true},
		{"empty name", []string{"GET", "HEAD", ""}, true},
		{"minimal", []string{"GET", "HEAD"}, false},
		{"custom", []string{"HEAD", "GET", "PROPFIND"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := New().WithAllowedMethods(tt.methods)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("error = %v, want ErrInvalid", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got := n.AllowedMethods()
			want := append([]string(nil), tt.methods...)
			sort.Strings(got)
			sort.Strings(want)

			if len(got) != len(want) {
				t.Fatalf("AllowedMethods = %v, want %v", got, want)
			}

			for i := range got {
				if got[i] != want[i] {
					t.Fatalf("AllowedMethods = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestAllowedMethodsDeduplicates(t *testing.T) {
	n, err := New().WithAllowedMethods([]string{"GET", "HEAD", "GET", "POST", "HEAD"})
	if err != nil {
		t.Fatal(err)
	}

	if got := n.AllowedMethods(); len(got) != 3 {
		t.Fatalf("AllowedMethods = %v, want 3 unique entries", got)
	}

	if !n.IsMethodAllowed("POST") || n.IsMethodAllowed("DELETE") {
		t.Fatal("IsMethodAllowed disagrees with the list")
	}
}

func TestAllowedMethodsCopyOnRead(t *testing.T) {
	o := New()
	got := o.AllowedMethods()
	got[0] = "BREW"

	if o.AllowedMethods()[0] == "BREW" {
		t.Fatal("AllowedMethods exposes internal slice")
	}
}
