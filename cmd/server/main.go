package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/atmx/risk-engine/internal/api"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/feed"
	"github.com/atmx/risk-engine/internal/lattice"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/risk"
	"github.com/atmx/risk-engine/internal/scenario"
	"github.com/atmx/risk-engine/internal/store"
	"github.com/atmx/risk-engine/internal/valuation"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	// --- Market data feed ---
	feeds := feed.NewMemory()

	// --- Pricing models ---
	dc, comp := cfg.Curve.Conventions()
	dispatcher := valuation.NewDispatcher(cfg.Engine.Parallel, cfg.Engine.MaxWorkers, logger.Named("valuation"))
	dispatcher.Register(valuation.TagBond, valuation.NewDCFBond(dc, comp))
	dispatcher.Register(valuation.TagCallableBond, valuation.NewLatticeBond(dc, comp, lattice.Config{}))

	// --- Scenario generation and risk engine ---
	generator, err := scenario.New(cfg.Scenario, logger.Named("scenario"))
	if err != nil {
		logger.Error("invalid scenario config", zap.Error(err))
		os.Exit(1)
	}
	engine := risk.New(dispatcher, logger.Named("risk"))

	// --- Run registry ---
	runs := store.NewMemoryStore()

	// --- WebSocket hub ---
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	hub := api.NewHub(logger.Named("ws"))
	go hub.Run(hubCtx)

	// --- API service ---
	svc := api.NewService(feeds, dispatcher, engine, generator, runs, hub, cfg.Engine, logger.Named("api"))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"risk-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc.Mount(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("risk-engine listening",
			zap.String("addr", cfg.Server.Addr),
			zap.Strings("models", dispatcher.RegisteredTags()),
			zap.Float64("confidence", cfg.Engine.Confidence),
			zap.Ints("horizons", cfg.Engine.Horizons),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down risk-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	hubCancel()
	fmt.Println("risk-engine stopped")
}
