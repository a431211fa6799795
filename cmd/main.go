package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ekinhbayar/http-server/pkg"
	"github.com/ekinhbayar/http-server/pkg/message"
	"github.com/ekinhbayar/http-server/pkg/middleware/zlib"
	"github.com/ekinhbayar/http-server/pkg/options"
)

type config struct {
	addr        string
	certFile    string
	keyFile     string
	h2c         bool
	compress    bool
	debug       bool
	maxBodySize int64
	timeout     int
	streams     int
}

func parseFlags() config {
	var cfg config

	flag.StringVar(&cfg.addr, "addr", "127.0.0.1:8080", "listen address")
	flag.StringVar(&cfg.certFile, "cert", "", "TLS certificate file; enables HTTPS and h2")
	flag.StringVar(&cfg.keyFile, "key", "", "TLS private key file")
	flag.BoolVar(&cfg.h2c, "h2c", false, "accept HTTP/2 with prior knowledge on cleartext connections")
	flag.BoolVar(&cfg.compress, "compress", true, "compress eligible responses")
	flag.BoolVar(&cfg.debug, "debug", false, "debug mode and verbose logging")
	flag.Int64Var(&cfg.maxBodySize, "max-body", options.DefaultMaxBodySize, "maximum request body size in bytes")
	flag.IntVar(&cfg.timeout, "timeout", int(options.DefaultConnectionTimeout/time.Second), "connection timeout in seconds")
	flag.IntVar(&cfg.streams, "streams", options.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams")
	flag.Parse()

	return cfg
}

func buildOptions(cfg config) (*options.Options, error) {
	opts := options.New()

	if cfg.debug {
		opts = opts.WithDebugMode()
	}

	if cfg.h2c {
		opts = opts.WithHTTP2Upgrade()
	}

	opts, err := opts.WithMaxBodySize(cfg.maxBodySize)
	if err != nil {
		return nil, err
	}

	if opts, err = opts.WithConnectionTimeout(cfg.timeout); err != nil {
		return nil, err
	}

	return opts.WithMaxConcurrentStreams(cfg.streams)
}

// hello describes the request back to the client.
func hello(ctx context.Context, req *message.Request) (*message.Response, error) {
	body, err := message.ReadAll(ctx, req.Body)
	if err != nil {
		return nil, err
	}

	var b strings.Builder

	fmt.Fprintf(&b, "%s %s HTTP/%s\n", req.Method, req.Target, req.ProtocolVersion)
	req.Header.Each(func(name, value string) {
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	})
	fmt.Fprintf(&b, "\n%d body bytes\n", len(body))

	return message.NewTextResponse(http.StatusOK, b.String()), nil
}

func main() {
	cfg := parseFlags()

	level := zerolog.InfoLevel
	if cfg.debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()

	opts, err := buildOptions(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid options")
	}

	srv := &pkg.Server{
		Addr:    cfg.addr,
		Options: opts,
		Handler: pkg.HandlerFunc(hello),
		Logger:  logger,
	}

	if cfg.compress {
		c, err := zlib.New(zlib.WithLogger(logger))
		if err != nil {
			logger.Fatal().Err(err).Msg("compression middleware")
		}

		srv.Middleware = append(srv.Middleware, c.Wrap)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)

	go func() {
		logger.Info().Str("addr", cfg.addr).Bool("tls", cfg.certFile != "").Msg("listening")

		if cfg.certFile != "" {
			errc <- srv.ListenAndServeTLS(cfg.certFile, cfg.keyFile)

			return
		}

		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, pkg.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout()+time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}
}
