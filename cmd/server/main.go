/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Market Engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Load market configuration (container types, credit limits)
  4. Wire ledgers, exposure guard, workflow, notification outbox
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: 8080)
  -db        SQLite database path (default: market.db)
             Use ":memory:" for in-memory database
  -config    Market configuration JSON (default: built-in demo catalog)
  -bureau    Registration bureau URL (default: none, reports accepted
             locally)
  -log-level logrus level (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the notification outbox
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database and config
  ./server -db="./data/market.db" -config="./config/market.json"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/sirupsen/logrus"

	"github.com/verdant/market-engine/api"
	"github.com/verdant/market-engine/deposit"
	"github.com/verdant/market-engine/exposure"
	"github.com/verdant/market-engine/factory"
	"github.com/verdant/market-engine/inventory"
	"github.com/verdant/market-engine/market"
	"github.com/verdant/market-engine/notify"
	"github.com/verdant/market-engine/store/sqlite"
	"github.com/verdant/market-engine/workflow"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "market.db", "SQLite database path")
	configPath := flag.String("config", "", "market configuration JSON path")
	bureauURL := flag.String("bureau", "", "registration bureau URL")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	log := logrus.New()
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Load market configuration
	catalog, err := loadCatalog(*configPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	// Wire the core
	lots := inventory.NewLedger(store)
	deposits := deposit.NewLedger(store, catalog)
	guard := exposure.NewGuard(store, deposits, catalog)

	var bureau market.RegulatoryNotifier = notify.NopNotifier{}
	if *bureauURL != "" {
		bureau = notify.NewHTTPNotifier(*bureauURL)
	}
	outbox := notify.NewOutbox(bureau, store, log)

	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	go outbox.Run(outboxCtx)

	wf := workflow.New(store, lots, deposits, guard, catalog, store, outbox, log)

	// Initialize handler and router
	handler := api.NewHandler(wf, lots, deposits, guard, catalog, store, store, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("server starting on http://localhost:%d", *port)
		log.Infof("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("server forced to shutdown")
	}

	stopOutbox()
	outbox.Close()

	log.Info("server stopped")
}

func loadCatalog(path string, log *logrus.Logger) (*factory.Catalog, error) {
	if path == "" {
		log.Info("no -config given, using built-in demo catalog")
		return factory.ParseConfig([]byte(factory.DefaultConfigJSON))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return factory.ParseConfig(data)
}
