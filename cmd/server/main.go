/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reconciliation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from environment (.env supported)
  2. Initialize SQLite store and overlay persisted settings
  3. Build the run orchestrator and API handler
  4. Start the nightly scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -addr    HTTP listen address (overrides RECON_ADDR)
  -db      SQLite database path (overrides RECON_DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight cycle)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run against a data folder
  RECON_INPUT_ROOT=./data/input ./server -db=./data/recon.db

  # Run with an in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Environment variables and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yomali/recon-engine/api"
	"github.com/yomali/recon-engine/config"
	"github.com/yomali/recon-engine/run"
	"github.com/yomali/recon-engine/store/sqlite"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides RECON_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides RECON_DB_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	log := config.NewLogger(cfg.LogLevel)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	orch := run.New(cfg, store, log)
	if err := orch.LoadSettings(context.Background()); err != nil {
		log.WithError(err).Warn("could not load persisted settings, using defaults")
	}

	handler := api.NewHandler(store, orch, cfg, log)
	router := api.NewRouter(handler)

	scheduler := api.NewScheduler(orch, cfg, log)
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // report downloads and forced runs
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}
	log.Info("server stopped")
}
