package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/wellness/internal/api"
	"example.com/wellness/internal/auth"
	"example.com/wellness/internal/cache"
	"example.com/wellness/internal/config"
	"example.com/wellness/internal/domain"
	"example.com/wellness/internal/i18n"
	"example.com/wellness/internal/logger"
	"example.com/wellness/internal/outbox"
	"example.com/wellness/internal/persistence/memory"
	"example.com/wellness/internal/persistence/postgres"
	httptransport "example.com/wellness/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store      domain.Store
		dispatcher *outbox.Dispatcher
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		lg.Warn("using in-memory store; data is lost on restart")
		store = memory.NewStore()
	default:
		if cfg.AutoMigrate {
			if err := postgres.Migrate(cfg.PostgresURL, cfg.MigrationsPath, lg); err != nil {
				lg.Fatal("migrations failed", "error", err)
			}
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			lg.Fatal("failed to connect to postgres", "error", err)
		}
		defer pool.Close()
		store = postgres.NewRepository(pool)

		if cfg.OutboxEnabled {
			producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
			defer producer.Close()
			registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
			dispatcher = outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, lg.With("component", "outbox"))
			go dispatcher.Start(ctx)
		}
	}

	opts := []domain.Option{}
	if cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			lg.Warn("redis unavailable; leaderboard cache disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rdb.Close()
			opts = append(opts, domain.WithLeaderboardCache(cache.NewRedisLeaderboardCache(rdb, cfg.LeaderboardCacheTTL, lg)))
		}
	}
	service := domain.NewService(store, cfg.Points, opts...)

	translator := i18n.NewTranslator(cfg.DefaultLocale, lg)
	handler := api.NewHandler(service, translator, lg)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	server := httptransport.NewServer(cfg, api.RequestLogger(lg)(api.CORS(cfg.CORSOrigin)(authMiddleware.Wrap(mux))))

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := httptransport.ListenAndServe(sigCtx, server, cfg.HTTPShutdownTimeout, lg.With("store", cfg.StoreDriver)); err != nil {
		lg.Error("server error", "error", err)
	}
	cancel()

	if dispatcher != nil {
		dispatcher.Wait()
	}
}
