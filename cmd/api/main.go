package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"idgate.org/internal/config"
	"idgate.org/internal/httpapi"
	"idgate.org/internal/identity"
	"idgate.org/internal/obs"
	"idgate.org/internal/store/memory"
	"idgate.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	issuer, err := identity.NewTokenIssuer(cfg.AuthSecret,
		identity.WithIssuer(cfg.TokenIssuer),
		identity.WithAccessTTL(cfg.AccessTTL),
		identity.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	// Without a DSN the service runs on the in-memory store, which is
	// enough for local development.
	var (
		store identity.DirectoryStore
		db    *sql.DB
	)
	if cfg.DatabaseDSN != "" {
		pgStore, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Printf("IDGATE_PG_DSN not set, using in-memory store")
		store = memory.New()
	}

	zone, err := time.LoadLocation(cfg.DisplayZone)
	if err != nil {
		log.Printf("display zone %q unavailable, using default", cfg.DisplayZone)
		zone = identity.DefaultDisplayZone
	}

	directory, err := identity.NewService(store, issuer, identity.WithDisplayZone(zone))
	if err != nil {
		log.Fatalf("directory service: %v", err)
	}
	if err := directory.EnsureBuiltins(context.Background()); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, directory)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting idgate-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
