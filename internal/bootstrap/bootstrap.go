/**
 * @description
 * Process wiring shared by the rental-service, scheduler-service and sweeper binaries:
 * store selection, connection pools, the provider gateway, the event publisher and the
 * coordinator/sweeper pair built on top of them.
 */
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/rental-service/internal/app"
	"github.com/transfa/rental-service/internal/config"
	"github.com/transfa/rental-service/internal/domain"
	"github.com/transfa/rental-service/internal/store"
	"github.com/transfa/rental-service/pkg/provider"
	"github.com/transfa/rental-service/pkg/provider/daisysms"
	"github.com/transfa/rental-service/pkg/provider/fivesim"
	"github.com/transfa/rental-service/pkg/rabbitmq"
)

// Services is the wired core of a rental process.
type Services struct {
	Repository  store.Repository
	Coordinator *app.Coordinator
	Sweeper     *app.Sweeper
	Publisher   rabbitmq.Publisher
	Redis       *redis.Client

	closers []func()
}

// Close releases connections in reverse order of acquisition.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Build connects every backing service named by cfg and wires the coordinator and sweeper.
// Redis and RabbitMQ are optional; PostgreSQL is required unless STORE_DRIVER=memory.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	services := &Services{}

	repo, closeRepo, err := OpenRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	services.Repository = repo
	services.closers = append(services.closers, closeRepo)

	redisClient, err := OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis unavailable; purchase throttling and sweep lock disabled\" err=%v", err)
	} else if redisClient != nil {
		services.Redis = redisClient
		services.closers = append(services.closers, func() { redisClient.Close() })
	}

	gateway, err := NewGateway(cfg)
	if err != nil {
		services.Close()
		return nil, err
	}

	pricer, err := app.NewPricer(cfg)
	if err != nil {
		services.Close()
		return nil, fmt.Errorf("configure pricing: %w", err)
	}

	services.Publisher = NewPublisher(cfg.RabbitMQURL)
	services.closers = append(services.closers, services.Publisher.Close)

	var limiter app.PurchaseLimiter
	var lock app.SweepLock
	if services.Redis != nil {
		limiter = app.NewPurchaseThrottle(services.Redis, cfg.RedisKeyPrefix, cfg.PurchaseRateLimitPerMinute, time.Minute)
		lock = app.NewRedisSweepLock(services.Redis, cfg.RedisKeyPrefix, logger)
	}

	services.Coordinator = app.NewCoordinator(repo, gateway, pricer, services.Publisher, limiter, logger, app.CoordinatorConfig{
		MaxActiveOrders: cfg.MaxActiveOrders,
		OrderLifetime:   cfg.OrderLifetime(),
		EventsExchange:  cfg.EventsExchange,
	})
	services.Sweeper = app.NewSweeper(repo, services.Coordinator, lock, cfg.SweepLockTTL(), logger)
	return services, nil
}

// CheckInternalAuth refuses an empty INTERNAL_API_KEY unless the store is in memory.
// Without a key the internal account, penalty and sweep routes are unauthenticated.
func CheckInternalAuth(cfg config.Config) error {
	if strings.TrimSpace(cfg.InternalAPIKey) != "" || strings.EqualFold(cfg.StoreDriver, "memory") {
		return nil
	}
	return fmt.Errorf("INTERNAL_API_KEY is required when STORE_DRIVER is %q", cfg.StoreDriver)
}

// OpenRepository returns the store selected by STORE_DRIVER along with its close func.
func OpenRepository(ctx context.Context, cfg config.Config) (store.Repository, func(), error) {
	if strings.EqualFold(cfg.StoreDriver, "memory") {
		log.Printf("level=warn component=bootstrap msg=\"using in-memory store; state is lost on exit\"")
		return store.NewMemoryRepository(), func() {}, nil
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}

	if cfg.RunMigrations {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 100
	pgConfig.MinConns = 20
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	log.Printf("level=info component=bootstrap msg=\"database connection established\"")
	return store.NewPostgresRepository(dbpool), dbpool.Close, nil
}

// OpenRedis connects to redisURL. An empty URL returns a nil client.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	log.Printf("level=info component=bootstrap msg=\"redis connection established\"")
	return client, nil
}

// NewGateway builds the configured provider client behind the retrying wrapper.
func NewGateway(cfg config.Config) (provider.Gateway, error) {
	var inner provider.Gateway
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", daisysms.Name:
		if cfg.DaisySMSAPIKey == "" {
			log.Printf("level=warn component=bootstrap msg=\"DAISYSMS_API_KEY is empty; provider calls will be rejected\"")
		}
		inner = daisysms.NewClient(cfg.DaisySMSBaseURL, cfg.DaisySMSAPIKey)
	case fivesim.Name:
		if cfg.FiveSimAPIKey == "" {
			log.Printf("level=warn component=bootstrap msg=\"FIVESIM_API_KEY is empty; provider calls will be rejected\"")
		}
		inner = fivesim.NewClient(cfg.FiveSimBaseURL, cfg.FiveSimAPIKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}

	return provider.NewRetryingGateway(inner, provider.RetryPolicy{
		MaxAttempts: cfg.ProviderMaxAttempts,
		CallTimeout: cfg.ProviderTimeout(),
	}), nil
}

// NewPublisher connects to RabbitMQ, falling back to a logging no-op publisher.
func NewPublisher(amqpURL string) rabbitmq.Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		return &rabbitmq.EventProducerFallback{}
	}
	producer, err := rabbitmq.NewEventProducer(amqpURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"failed to connect to RabbitMQ, using fallback publisher\" err=%v", err)
		return &rabbitmq.EventProducerFallback{}
	}
	return producer
}

// SweepOptions maps the SWEEP_* settings onto sweeper options.
func SweepOptions(cfg config.Config) domain.SweepOptions {
	return domain.SweepOptions{
		ExpiryGrace: cfg.SweepExpiryGrace(),
		MaxAge:      cfg.SweepMaxAge(),
		Limit:       cfg.SweepBatchLimit,
		PollActive:  cfg.SweepPollActive,
	}
}
