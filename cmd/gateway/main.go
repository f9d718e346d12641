package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/broker"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/fanout"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid gateway config", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)

	var reg registry.Registry
	if cfg.RedisAddr != "" {
		rr := registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword)
		defer rr.Close()
		reg = rr
	} else {
		log.Warn("REDIS_ADDR unset, connection registry is in-memory")
		reg = registry.NewMemoryRegistry()
	}

	var rides storage.RideStore
	var requests storage.RideRequestStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.PGDSN, log); err != nil {
				log.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		rides, requests = pg, pg
	} else {
		log.Warn("PG_DSN unset, ride storage is in-memory")
		rides = storage.NewMemoryRideStore()
		requests = storage.NewMemoryRequestStore()
	}

	var pub broker.Publisher = broker.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := broker.NewKafkaPublisher(cfg.KafkaBrokers)
		defer kp.Close()
		pub = kp
	} else {
		log.Warn("KAFKA_BROKERS unset, events are discarded")
	}

	ws := fanout.NewWSTransport(log)
	disp := fanout.NewDispatcher(reg, ws, log)

	var auth payments.Authorizer
	if cfg.StripeAPIKey != "" {
		auth = payments.NewStripeAuthorizer(cfg.StripeAPIKey)
	}
	lc := &lifecycle.Service{
		Rides:      rides,
		Requests:   requests,
		Fanout:     disp,
		Events:     pub,
		Payments:   auth,
		Log:        log,
		HoldAmount: cfg.FareHoldMinor,
		Currency:   cfg.FareCurrency,
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(reg, ws, disp, rides, lc, pub, log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}
}

func runMigrations(dsn string, log *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core_tables.sql"))
	if err != nil {
		return err
	}
	if _, err := db.Exec(string(b)); err != nil {
		return err
	}
	log.Info("migration applied", "file", "001_create_core_tables.sql")
	return nil
}
