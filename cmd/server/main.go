package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saudabook/position-engine/internal/app"
	"github.com/saudabook/position-engine/internal/backfill"
	"github.com/saudabook/position-engine/internal/config"
	"github.com/saudabook/position-engine/internal/ledger"
	"github.com/saudabook/position-engine/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// --- Initialize store, engine and backfill runner ---
	stack, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer stack.Close()

	// --- WebSocket hub ---
	wsHub := ledger.NewWSHub()
	go wsHub.Run()
	stack.Runner.OnProgress(wsHub.BroadcastJob)

	// --- Scheduled snapshots and repairs ---
	scheduler := backfill.NewScheduler()
	if cfg.SnapshotCron != "" {
		if err := scheduler.AddTask(cfg.SnapshotCron, &backfill.SnapshotTask{Runner: stack.Runner}); err != nil {
			slog.Error("invalid SNAPSHOT_CRON", "err", err)
			os.Exit(1)
		}
	}
	if cfg.RepairCron != "" {
		repair := &backfill.RepairTask{Runner: stack.Runner, Opts: backfill.Options{ContinueOnError: true}}
		if err := scheduler.AddTask(cfg.RepairCron, repair); err != nil {
			slog.Error("invalid REPAIR_CRON", "err", err)
			os.Exit(1)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// --- Ledger service ---
	ledgerSvc := ledger.NewService(stack.Store, stack.Triggers, stack.Runner, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
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

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for position and backfill updates.
		r.Get("/ws", wsHub.HandleWS)

		ledgerSvc.RegisterRoutes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("position-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down position-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("position-engine stopped")
}
