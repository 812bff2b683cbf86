package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/reservio/reservation-platform/pkg/config"
	"github.com/reservio/reservation-platform/pkg/idempotency"
	"github.com/reservio/reservation-platform/pkg/logging"
	"github.com/reservio/reservation-platform/pkg/outbox"
	"github.com/reservio/reservation-platform/pkg/shutdown"
	"github.com/reservio/reservation-platform/pkg/tracing"

	"github.com/reservio/reservation-platform/internal/clinic/application"
	clinichttp "github.com/reservio/reservation-platform/internal/clinic/infrastructure/http"
	clinickafka "github.com/reservio/reservation-platform/internal/clinic/infrastructure/kafka"
	clinicpg "github.com/reservio/reservation-platform/internal/clinic/infrastructure/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	log := logging.New(cfg.LogLevel)

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	tp, err := tracing.Init(ctx, "clinic-service", cfg.OTLPEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(ctx) }()

	if err := runMigrations(cfg.MigrationsPath, cfg.PGURL); err != nil {
		log.Error("migrations failed", "err", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.PGURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	writer := clinickafka.NewWriter([]string{cfg.KafkaAddr})
	defer writer.Close()

	repo := clinicpg.NewRepository(log, pool, cfg.LockTimeout)
	outboxRepo := outbox.NewRepository()
	store := outbox.NewPostgresStore(log, pool)
	dispatch := outbox.NewDispatcher(log, writer, cfg.OutboxTopic)
	relay := outbox.NewRelay(log, store, dispatch, "clinic-relay-"+uuid.NewString())

	svc := application.NewService(pool, log, repo, repo, repo, repo, repo, outboxRepo)
	handler := clinichttp.NewHandler(log, svc)

	idemStore := idempotency.NewStore(rdb, cfg.IdempotencyTTL)

	r := chi.NewRouter()
	r.Use(idempotency.Middleware(log, idemStore))
	r.Mount("/", handler.Routes())
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()

	go func() {
		log.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Info("clinic-service shutdown complete")
}

func runMigrations(path, pgURL string) error {
	m, err := migrate.New("file://"+path, pgURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
