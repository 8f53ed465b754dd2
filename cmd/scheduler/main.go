// Command scheduler wires the Asset Build Scheduler's collaborators
// together and serves a Prometheus metrics endpoint, grounded on the
// teacher's cmd/main.go wiring order (config, logger, database, then
// dependent services, then the HTTP listener, then graceful shutdown
// on SIGINT/SIGTERM).
// Submitting build requests and the builder plug-ins themselves are
// out of scope here (spec.md §1 names "build request CLI and
// configuration glue" an external collaborator); this binary only
// proves the wiring compiles and runs end to end.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexbuild/scheduler/internal/buildctx"
	"github.com/apexbuild/scheduler/internal/builder"
	"github.com/apexbuild/scheduler/internal/cache"
	"github.com/apexbuild/scheduler/internal/config"
	"github.com/apexbuild/scheduler/internal/db"
	"github.com/apexbuild/scheduler/internal/graph"
	"github.com/apexbuild/scheduler/internal/logging"
	"github.com/apexbuild/scheduler/internal/metrics"
	"github.com/apexbuild/scheduler/internal/orchestrator"
	"github.com/apexbuild/scheduler/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logging.Init()
	defer logging.Sync()

	logger := logging.L()
	logger.Info("starting asset build scheduler",
		zap.String("environment", cfg.Environment),
		zap.Bool("halt_on_error", cfg.HaltOnError),
		zap.Bool("single_thread", cfg.SingleThread))

	database, err := db.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatalf("CRITICAL: failed to connect to database: %v", err)
	}
	defer database.Close()

	presenceIndex, err := cache.NewPresenceIndex(cfg.Redis)
	if err != nil {
		log.Fatalf("CRITICAL: failed to connect to redis: %v", err)
	}
	defer presenceIndex.Close()

	blobCtx, blobCancel := context.WithTimeout(context.Background(), 10*time.Second)
	blobStore, err := cache.NewBlobStore(blobCtx, cfg.Blobs)
	blobCancel()
	if err != nil {
		log.Fatalf("CRITICAL: failed to configure blob store: %v", err)
	}

	dependencyGraph := graph.New(database.GetDB())
	contentCache := cache.New(presenceIndex, blobStore, database.GetDB())

	rebuildCtx, rebuildCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := contentCache.RebuildIndexFromDB(rebuildCtx); err != nil {
		logger.Warn("failed to rebuild presence index from database", zap.Error(err))
	}
	rebuildCancel()

	workerPool := worker.New(dependencyGraph, metrics.NewPrometheusSink())
	workerPool.ThreadCount = cfg.ThreadCount
	workerPool.NiceCount = cfg.NiceCount
	workerPool.SingleThread = cfg.SingleThread

	// The registry is constructed empty: this binary bundles and
	// registers no builder plug-ins, per spec.md §1.
	builderRegistry := builder.NewRegistry()

	sched := orchestrator.New(builderRegistry, dependencyGraph, contentCache, workerPool, metrics.NewPrometheusSink())
	bc := buildctx.New(cfg.HaltOnError)
	logger.Info("orchestrator ready for build requests",
		zap.Bool("scheduler_initialized", sched != nil),
		zap.Int("initial_depth", bc.Depth()))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", zap.String("addr", cfg.MetricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatalf("CRITICAL: metrics listener failed: %v", err)
	case sig := <-quit:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown error", zap.Error(err))
	}

	logger.Info("graceful shutdown complete")
}
