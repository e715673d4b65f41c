// Command noidd is the tenant-facing HTTP+WS server for the microVM control
// plane: it owns the record store, the VM backend, and the /v1 API surface.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensandbox/opensandbox/internal/auth"
	"github.com/opensandbox/opensandbox/internal/backend"
	"github.com/opensandbox/opensandbox/internal/brokerclient"
	"github.com/opensandbox/opensandbox/internal/config"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/tenantapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("noidd: failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("noidd: create data dir %s: %v", cfg.DataDir, err)
	}

	store, err := record.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("noidd: failed to open record store: %v", err)
	}
	defer store.Close()

	if cfg.APIToken != "" {
		seedBootstrapTenant(store, cfg.APIToken)
	}

	broker := brokerclient.New(cfg.BrokerSocketPath)

	be := backend.New(cfg, store, broker)
	be.Reconcile()
	log.Println("noidd: startup reconciliation complete")

	metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
	defer metricsSrv.Close()
	log.Printf("noidd: metrics listening on %s", cfg.MetricsAddr)

	api := tenantapi.New(cfg, be, store)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("noidd: tenant API listening on %s", cfg.HTTPAddr)
		if err := api.Start(cfg.HTTPAddr); err != nil {
			log.Printf("noidd: server error: %v", err)
		}
	}()

	<-quit
	log.Println("noidd: shutting down...")
	if err := api.Close(); err != nil {
		log.Printf("noidd: error closing server: %v", err)
	}
}

// seedBootstrapTenant ensures a single tenant exists whose bearer token is
// cfg.APIToken, so a fresh deployment has at least one usable credential
// before any user-management surface exists.
func seedBootstrapTenant(store *record.Store, token string) {
	hash := auth.HashToken(token)
	if _, ok, err := store.UserByTokenHash(hash); err != nil {
		log.Printf("noidd: bootstrap tenant lookup failed: %v", err)
		return
	} else if ok {
		return
	}
	u := record.User{ID: "bootstrap", Name: "bootstrap", TokenHash: hash, CreatedAt: time.Now()}
	if err := store.CreateUser(u); err != nil {
		log.Printf("noidd: failed to seed bootstrap tenant: %v", err)
		return
	}
	log.Println("noidd: seeded bootstrap tenant from NOID_API_TOKEN")
}
