// Package app wires the chatdispatch subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the endpoint registry,
// the selector, the model catalog and the HTTP server; Run serves until its
// context is cancelled; Shutdown drains in-flight conversations and tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithListener, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatdispatch/internal/catalog"
	"github.com/MrWong99/chatdispatch/internal/config"
	"github.com/MrWong99/chatdispatch/internal/endpoint"
	"github.com/MrWong99/chatdispatch/internal/health"
	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/internal/server"
)

// DefaultListenAddr is used when server.listen_addr is empty.
const DefaultListenAddr = ":8080"

// shutdownGrace bounds the drain started by a cancelled Run.
const shutdownGrace = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	registry        *endpoint.Registry
	selector        *endpoint.Selector
	source          endpoint.Source
	metrics         *observe.Metrics
	catalog         *catalog.Catalog
	health          *health.Handler
	httpClient      *http.Client
	metricsHandler  http.Handler
	providerTimeout time.Duration

	listener net.Listener
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects an endpoint registry instead of the builtin one.
func WithRegistry(r *endpoint.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithSource injects the random source of the endpoint selector.
func WithSource(src endpoint.Source) Option {
	return func(a *App) { a.source = src }
}

// WithMetrics injects the metrics instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHTTPClient sets the client used to fetch preprompt URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithProviderTimeout bounds each provider HTTP request.
func WithProviderTimeout(d time.Duration) Option {
	return func(a *App) { a.providerTimeout = d }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Catalog processing,
// including preprompt fetches, happens synchronously.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Endpoint registry ─────────────────────────────────────────────
	if a.registry == nil {
		a.registry = endpoint.NewRegistry()
		endpoint.RegisterBuiltins(a.registry, endpoint.Defaults{
			Credentials: cfg.Credentials,
			AccessToken: cfg.Fallback.AccessToken,
			Timeout:     a.providerTimeout,
		})
	}
	slog.Debug("endpoint types registered", "types", a.registry.Types())

	// ── 2. Selector ──────────────────────────────────────────────────────
	selOpts := []endpoint.Option{endpoint.WithMetrics(a.metrics)}
	if a.source != nil {
		selOpts = append(selOpts, endpoint.WithSource(a.source))
	}
	a.selector = endpoint.NewSelector(a.registry, cfg.Fallback, selOpts...)

	// ── 3. Model catalog ─────────────────────────────────────────────────
	var catOpts []catalog.Option
	if a.httpClient != nil {
		catOpts = append(catOpts, catalog.WithHTTPClient(a.httpClient))
	}
	cat, err := catalog.Build(ctx, cfg, a.selector, catOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: build catalog: %w", err)
	}
	a.catalog = cat

	// ── 4. HTTP server ───────────────────────────────────────────────────
	a.health = health.New(health.Checker{
		Name: "catalog",
		Check: func(context.Context) error {
			if len(a.catalog.Models()) == 0 {
				return errors.New("no models")
			}
			return nil
		},
	})
	srv := server.New(a.catalog,
		server.WithHealth(a.health),
		server.WithMetrics(a.metrics),
	)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Catalog returns the processed model catalog.
func (a *App) Catalog() *catalog.Catalog {
	return a.catalog
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then drains with a bounded grace
// period. It returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.httpSrv.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
		}
	}
	slog.Info("http server listening", "addr", ln.Addr().String(), "models", len(a.catalog.Models()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, waits for in-flight conversations
// up to the ctx deadline and then runs the closers. It is safe to call more
// than once; only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown incomplete", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// OnShutdown registers fn to run after the HTTP server has drained.
func (a *App) OnShutdown(fn func() error) {
	a.closers = append(a.closers, fn)
}
