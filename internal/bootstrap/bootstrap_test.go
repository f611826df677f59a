package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/rental-service/internal/config"
	"github.com/transfa/rental-service/internal/store"
	"github.com/transfa/rental-service/pkg/rabbitmq"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreDriver:              "memory",
		Provider:                 "daisysms",
		HomeCurrency:             "NGN",
		USDExchangeRate:          "1600",
		PriceMarginPercent:       "20",
		DefaultServicePriceMinor: 200000,
		OrderLifetimeMinutes:     5,
		SweepExpiryGraceSeconds:  30,
		SweepMaxAgeHours:         72,
		SweepBatchLimit:          100,
		SweepLockTTLSeconds:      300,
		SweepPollActive:          true,
	}
}

func TestBuildWithMemoryStore(t *testing.T) {
	services, err := Build(context.Background(), memoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer services.Close()

	assert.IsType(t, &store.MemoryRepository{}, services.Repository)
	assert.IsType(t, &rabbitmq.EventProducerFallback{}, services.Publisher)
	assert.Nil(t, services.Redis)
	require.NotNil(t, services.Coordinator)
	require.NotNil(t, services.Sweeper)
}

func TestOpenRepositoryRequiresDatabaseURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "postgres"
	_, _, err := OpenRepository(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewGateway(t *testing.T) {
	cfg := memoryConfig()

	gateway, err := NewGateway(cfg)
	require.NoError(t, err)
	assert.Equal(t, "daisysms", gateway.Name())

	cfg.Provider = "FiveSim"
	gateway, err = NewGateway(cfg)
	require.NoError(t, err)
	assert.Equal(t, "fivesim", gateway.Name())

	cfg.Provider = "smsactivate"
	_, err = NewGateway(cfg)
	assert.Error(t, err)
}

func TestOpenRedisEmptyURL(t *testing.T) {
	client, err := OpenRedis(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, client)

	_, err = OpenRedis(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestSweepOptions(t *testing.T) {
	opts := SweepOptions(memoryConfig())
	assert.Equal(t, 30*time.Second, opts.ExpiryGrace)
	assert.Equal(t, 72*time.Hour, opts.MaxAge)
	assert.Equal(t, 100, opts.Limit)
	assert.True(t, opts.PollActive)
	assert.False(t, opts.DryRun)
}

func TestCheckInternalAuth(t *testing.T) {
	cfg := memoryConfig()
	assert.NoError(t, CheckInternalAuth(cfg), "memory store may run without an internal key")

	cfg.StoreDriver = "postgres"
	err := CheckInternalAuth(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTERNAL_API_KEY")

	cfg.InternalAPIKey = "   "
	assert.Error(t, CheckInternalAuth(cfg), "a blank key counts as empty")

	cfg.InternalAPIKey = "internal-secret"
	assert.NoError(t, CheckInternalAuth(cfg))
}
