package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfactory-lab/multisig/pkg/api"
	"github.com/mfactory-lab/multisig/pkg/auth"
	"github.com/mfactory-lab/multisig/pkg/capability"
	"github.com/mfactory-lab/multisig/pkg/capability/assert"
	"github.com/mfactory-lab/multisig/pkg/capability/transfer"
	"github.com/mfactory-lab/multisig/pkg/capability/wasm"
	"github.com/mfactory-lab/multisig/pkg/config"
	"github.com/mfactory-lab/multisig/pkg/journal"
	"github.com/mfactory-lab/multisig/pkg/multisig"
	"github.com/mfactory-lab/multisig/pkg/observability"
	"github.com/mfactory-lab/multisig/pkg/store"
)

// runServe implements `multisig serve`.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	configPath := fs.StringP("config", "c", "", "Path to YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := buildHost(ctx, cfg, logger)
	if err != nil {
		logger.Error("host setup failed", "error", err)
		return 2
	}
	defer h.close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	_, _ = fmt.Fprintf(stdout, "multisig listening on %s (store=%s)\n", cfg.Listen, cfg.Store.Driver)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 1
		}
	}
	return 0
}

// host is a fully wired engine behind its HTTP handler.
type host struct {
	engine  *multisig.Engine
	store   store.Store
	journal *journal.Journal
	handler http.Handler
	closers []func(context.Context) error
	logger  *slog.Logger
}

func (h *host) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](ctx); err != nil {
			h.logger.Warn("close failed", "error", err)
		}
	}
}

func buildHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*host, error) {
	h := &host{logger: logger}
	if err := h.wire(ctx, cfg); err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *host) wire(ctx context.Context, cfg *config.Config) error {
	logger := h.logger
	keys, err := auth.NewKeys(cfg.Auth)
	if err != nil {
		return fmt.Errorf("%w (set auth.secret or MULTISIG_AUTH_SECRET)", err)
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	h.closers = append(h.closers, telemetry.Shutdown)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	h.store = st
	h.closers = append(h.closers, func(context.Context) error { return st.Close() })

	reg := capability.NewRegistry()
	if err := transfer.Register(reg); err != nil {
		return err
	}
	if err := assert.Register(reg); err != nil {
		return err
	}
	if len(cfg.Programs) > 0 {
		sandbox := wasm.NewSandbox(ctx, wasm.DefaultLimits())
		h.closers = append(h.closers, sandbox.Close)
		for _, p := range cfg.Programs {
			prog, err := wasm.RegisterFile(ctx, reg, sandbox, p.Name, p.Path)
			if err != nil {
				return err
			}
			logger.Info("wasm program registered", "name", p.Name, "address", prog.Address())
		}
	}

	h.journal, err = openJournal(cfg.Journal, h)
	if err != nil {
		return err
	}

	engine, err := multisig.New(st, reg)
	if err != nil {
		return err
	}
	h.engine = engine.
		WithLogger(logger.With("component", "engine")).
		WithTelemetry(telemetry).
		WithEventSink(fanout{h.journal, multisig.LogSink{Logger: logger.With("component", "events")}})

	srv := api.NewServer(h.engine, keys,
		api.WithJournal(h.journal),
		api.WithRateLimiter(api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)),
		api.WithLogger(logger.With("component", "api")),
	)
	h.handler = srv.Handler()
	return nil
}

// openJournal replays the journal file at path and keeps appending to
// it. An empty path keeps the journal in memory.
func openJournal(path string, h *host) (*journal.Journal, error) {
	if path == "" {
		return journal.New(nil), nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	h.closers = append(h.closers, func(context.Context) error { return f.Close() })
	j, err := journal.Replay(f, f)
	if err != nil {
		return nil, err
	}
	h.logger.Info("journal replayed", "path", path, "entries", j.Len(), "head", j.Head())
	return j, nil
}

// fanout publishes to every sink and returns the first error.
type fanout []multisig.EventSink

func (f fanout) Publish(ctx context.Context, events []multisig.Event) error {
	var first error
	for _, s := range f {
		if err := s.Publish(ctx, events); err != nil && first == nil {
			first = err
		}
	}
	return first
}
