// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/speedynote/internal/api"
	"github.com/starford/speedynote/internal/apperr"
	"github.com/starford/speedynote/internal/archive"
	"github.com/starford/speedynote/internal/cache"
	"github.com/starford/speedynote/internal/docservice"
	"github.com/starford/speedynote/internal/index"
	"github.com/starford/speedynote/internal/mcpserver"
	"github.com/starford/speedynote/internal/sse"
	"github.com/starford/speedynote/internal/storage"
	"github.com/starford/speedynote/internal/viewport"
)

func build(opts []Option) (*application, error) {
	app := &application{version: "dev", logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// workspace is an open document with its session, index and service.
type workspace struct {
	sess    *viewport.Session
	db      *index.DB
	store   storage.Provider
	svc     *docservice.Service
	release func()
}

func (w *workspace) Close() {
	w.sess.Close()
	_ = w.db.Close()
	if w.release != nil {
		w.release()
	}
}

// openWorkspace opens the configured bundle, creating it when missing. A
// path naming a package archive is unpacked into the cache first and kept
// leased until Close.
func openWorkspace(ctx context.Context, cfg *Config, c *cache.Dir, logger *slog.Logger, emitter viewport.Emitter) (*workspace, error) {
	vopts := []viewport.Option{
		viewport.WithConfig(cfg.Viewport.Options()),
		viewport.WithLogger(logger.With(slog.String("component", "viewport"))),
	}
	if emitter != nil {
		vopts = append(vopts, viewport.WithEmitter(emitter))
	}

	dir := cfg.Document.Path
	var release func()
	if st, err := os.Stat(dir); err == nil && st.Mode().IsRegular() {
		if c == nil {
			return nil, fmt.Errorf("open %s: archive needs a cache directory", dir)
		}
		var res archive.Result
		res, release, err = unpackToCache(ctx, c, dir, logger)
		if err != nil {
			return nil, err
		}
		dir = res.BundleDir
		v, err := openOrCreate(ctx, cfg, dir, logger, vopts)
		if err == nil {
			err = relink(ctx, v, res)
		}
		if err != nil {
			release()
			return nil, err
		}
		return newWorkspace(cfg, v, release, logger)
	}

	v, err := openOrCreate(ctx, cfg, dir, logger, vopts)
	if err != nil {
		return nil, err
	}
	return newWorkspace(cfg, v, nil, logger)
}

func newWorkspace(cfg *Config, v *viewport.Viewport, release func(), logger *slog.Logger) (*workspace, error) {
	store := v.Bundle().Storage()
	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("init index: %w", err)
	}
	if err := index.SyncBundle(db, store, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}
	sess := viewport.NewSession(v)
	svc := docservice.New(sess, db, logger.With(slog.String("component", "docservice")))
	return &workspace{sess: sess, db: db, store: store, svc: svc, release: release}, nil
}

func openOrCreate(ctx context.Context, cfg *Config, dir string, logger *slog.Logger, vopts []viewport.Option) (*viewport.Viewport, error) {
	v, warnings, err := viewport.Open(ctx, dir, vopts...)
	if err == nil {
		for _, w := range warnings {
			logger.Warn("document: recovered on open", slog.String("error", w.Error()))
		}
		logger.Info("document: opened", slog.String("path", dir), slog.String("kind", string(v.Document().Kind)))
		return v, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("open document: %w", err)
	}
	doc, err := newDocument(cfg, cfg.Document.Kind, cfg.Document.Title, "", logger)
	if err != nil {
		return nil, err
	}
	v, err = viewport.Create(ctx, dir, doc, vopts...)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	logger.Info("document: created", slog.String("path", dir), slog.String("kind", string(doc.Kind)))
	return v, nil
}

func unpackToCache(ctx context.Context, c *cache.Dir, src string, logger *slog.Logger) (archive.Result, func(), error) {
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dir, release, err := c.NewBundle(name)
	if err != nil {
		return archive.Result{}, nil, err
	}
	res, err := archive.Unpack(ctx, src, dir, logger)
	if err != nil {
		release()
		_ = os.RemoveAll(dir)
		return archive.Result{}, nil, err
	}
	return res, release, nil
}

// relink points an unpacked document at the PDF copy shipped with it.
func relink(ctx context.Context, v *viewport.Viewport, res archive.Result) error {
	if res.PDF == "" {
		return nil
	}
	if err := v.LinkPDF(ctx, res.PDF, nil); err != nil {
		return fmt.Errorf("relink %s: %w", res.PDF, err)
	}
	return v.Save(ctx)
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := build(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("document_path", cfg.Document.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("cache_dir", cfg.Cache.Dir),
		slog.String("log_level", cfg.App.LogLevel.String()))

	scratch, err := cache.Open(cfg.Cache.Dir, cfg.Cache.MinAge, logger.With(slog.String("component", "cache")))
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer scratch.Stop()

	// SSE broker; view changes arrive at pointer rate and are coalesced.
	broker := sse.NewBroker(2*time.Second, viewport.EventViewChanged)
	defer broker.Close()

	ws, err := openWorkspace(ctx, cfg, scratch, logger, broker)
	if err != nil {
		return err
	}
	defer ws.Close()

	apiRouter := api.NewRouter(ws.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, cfg.Shortcuts)

	// Build chi router.
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
		if _, err := ws.svc.Describe(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Cache.Schedule != "" {
		if err := scratch.Schedule(gCtx, cfg.Cache.Schedule); err != nil {
			return fmt.Errorf("schedule cache cleanup: %w", err)
		}
	}

	// Follow the backing PDF.
	g.Go(func() error {
		if err := ws.sess.Watch(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("pdf watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start note file watcher with SSE callback.
	g.Go(func() error {
		if err := index.Watch(gCtx, ws.db, ws.store, logger, broker.PublishNoteEvent); err != nil {
			logger.Warn("note watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

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
		if info, err := ws.svc.Describe(shutdownCtx); err == nil && info.Modified {
			logger.Warn("Unsaved changes discarded", slog.String("document_path", cfg.Document.Path))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group once the server has been shut down so the
// watchers return.
var errShutdown = errors.New("shutdown")

// RunMCP serves the document over MCP on stdin/stdout. Logs go to the
// configured log output, which must not be stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := build(opts)
	if err != nil {
		return err
	}
	if app.logOutput == os.Stdout {
		app.logOutput = os.Stderr
	}
	logger := app.logger()

	scratch, err := cache.Open(app.config.Cache.Dir, app.config.Cache.MinAge, logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	ws, err := openWorkspace(ctx, app.config, scratch, logger, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	logger.Info("MCP server starting", slog.String("document_path", app.config.Document.Path))
	return mcpserver.New(ws.svc, app.version).ServeStdio()
}
