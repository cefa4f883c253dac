// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/drift/internal/adapter"
	"github.com/starford/drift/internal/api"
	"github.com/starford/drift/internal/mcpserver"
	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/reconcile"
	"github.com/starford/drift/internal/remote"
	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/schemasource"
	"github.com/starford/drift/internal/service"
	"github.com/starford/drift/internal/sse"
	"github.com/starford/drift/internal/store"
	"github.com/starford/drift/internal/syncstatus"
)

// runtime is the storage stack shared by the HTTP and MCP entry points.
type runtime struct {
	db      *store.DB
	adapter *adapter.Adapter
	doc     *schema.Document
	engine  *reconcile.Engine
}

func (rt *runtime) close() {
	rt.adapter.Terminate()
	rt.db.Close()
}

func (rt *runtime) outbox() *outbox.Outbox {
	if rt.engine == nil {
		return nil
	}
	return rt.engine.Outbox()
}

func newApplication(opts []Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// open builds the store, adapter and, when sync is enabled, the
// reconciliation engine.
func (app *application) open(ctx context.Context, logger *slog.Logger) (*runtime, error) {
	cfg := app.config

	doc, err := schemasource.Load(cfg.Schema.Path)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	reg := schema.NewRegistry()
	db, err := store.Open(cfg.SQLite.Path, reg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := adapter.New(db, reg,
		adapter.WithLogger(logger),
		adapter.WithWorkers(cfg.Storage.Workers),
		adapter.WithSyncStatus(syncstatus.NewTracker(db, cfg.Sync.Staleness)),
		adapter.WithLiveQueryConfig(cfg.LiveQuery),
	)
	rt := &runtime{db: db, adapter: a, doc: doc}
	if err := a.Initialize(ctx, doc); err != nil {
		rt.close()
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	if cfg.Sync.Enabled {
		r := app.remote
		if r == nil {
			r = remote.NewMemory()
		}
		rt.engine = reconcile.New(a, r, reconcile.Config{
			FullSyncInterval: cfg.Sync.FullSyncInterval,
			PageSize:         cfg.Sync.PageSize,
			RetryInitial:     cfg.Sync.RetryInitial,
			RetryMax:         cfg.Sync.RetryMax,
		},
			reconcile.WithLogger(logger),
			reconcile.WithConflictHandler(app.conflicts),
		)
	}
	return rt, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := newLogger(os.Stdout, cfg.App.LogLevel)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("schema_path", cfg.Schema.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.Bool("sync_enabled", cfg.Sync.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt, err := app.open(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	// SSE broker fed by every committed change.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()
	sub := broker.Attach(rt.adapter)
	defer sub.Cancel()

	svc := service.New(rt.adapter, rt.outbox())
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.db.SQL().PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Schema.Watch {
		g.Go(func() error {
			return schemasource.Watch(gCtx, cfg.Schema.Path, rt.doc.Version(), logger,
				func(ctx context.Context, doc *schema.Document) error {
					return rt.adapter.Initialize(ctx, doc)
				})
		})
	}

	if rt.engine != nil {
		g.Go(func() error {
			if err := rt.engine.Run(gCtx); err != nil {
				return fmt.Errorf("sync engine: %w", err)
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		// Stops the watcher and the sync engine.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdin/stdout. Logs go to stderr so they
// do not interleave with the protocol stream.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, app.config.App.LogLevel)

	rt, err := app.open(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	if rt.engine != nil {
		g.Go(func() error {
			return rt.engine.Run(gCtx)
		})
	}
	g.Go(func() error {
		// The engine stops once the client closes the stream.
		defer cancel()
		return mcpserver.New(service.New(rt.adapter, rt.outbox())).ServeStdio()
	})
	return g.Wait()
}
