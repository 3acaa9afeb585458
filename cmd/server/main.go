/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the presale server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load environment configuration (.env honored)
  2. Parse command-line flags (override env for local runs)
  3. Open the configured store (sqlite, postgres, or memory)
  4. Connect optional redis / NATS
  5. Wire ledger + handlers + router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides NUKKI_PORT)
  -db      SQLite database path (overrides NUKKI_DB_PATH)
           Use ":memory:" for an in-memory database
  -static  Static frontend directory (default ./public)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database and NATS connections
  4. Exit

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nukki/presale-engine/api"
	"github.com/nukki/presale-engine/config"
	"github.com/nukki/presale-engine/events"
	"github.com/nukki/presale-engine/presale"
	memstore "github.com/nukki/presale-engine/presale/store"
	"github.com/nukki/presale-engine/store/postgres"
	"github.com/nukki/presale-engine/store/sqlite"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Flags override env for quick local runs
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	staticDir := flag.String("static", "./public", "Static frontend directory")
	flag.Parse()

	// Store
	var store presale.TxStore
	switch cfg.DBDriver {
	case "postgres":
		pg, err := postgres.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize postgres: %v", err)
		}
		defer pg.Close()
		store = pg
	case "memory":
		store = memstore.NewMemory()
	default:
		sq, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize sqlite: %v", err)
		}
		defer sq.Close()
		store = sq
	}

	// Optional purchase event publishing
	var publisher presale.Publisher
	if cfg.NatsURL != "" {
		np, err := events.Connect(cfg.NatsURL)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer np.Close()
		publisher = np
	}

	// Optional balance cache
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer cache.Close()
	}

	// Ledger + handlers
	referral := presale.NewReferral(presale.BonusPolicy{
		FixedBonus:    cfg.FixedBonus,
		PriceShareBps: cfg.PriceShareBps,
	})
	ledger := presale.NewLedger(store, referral, publisher)
	ledger.OnPublishError = func(p presale.Purchase, err error) {
		log.Printf("Warning: failed to publish purchase %s: %v", p.ID, err)
	}

	handler := api.NewHandler(ledger, store, api.NewBalanceClient(cache), cfg.TonReceiver)
	router := api.NewRouter(handler, *staticDir)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Presale server starting on http://localhost:%d (db=%s)", *port, cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
