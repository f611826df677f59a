/**
 * @description
 * This package handles the configuration management for the rental service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, providing a centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Parses whole-currency price settings into minor units.
 */

package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the rental service binaries.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	StoreDriver          string `mapstructure:"STORE_DRIVER"`
	RunMigrations        bool   `mapstructure:"RUN_MIGRATIONS"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix       string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	DepositEventQueue    string `mapstructure:"DEPOSIT_EVENT_QUEUE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	PaymentWebhookSecret string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	CORSAllowedOrigins   string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	HTTPRateLimit        string `mapstructure:"HTTP_RATE_LIMIT"`

	Provider               string `mapstructure:"PROVIDER"`
	DaisySMSBaseURL        string `mapstructure:"DAISYSMS_BASE_URL"`
	DaisySMSAPIKey         string `mapstructure:"DAISYSMS_API_KEY"`
	FiveSimBaseURL         string `mapstructure:"FIVESIM_BASE_URL"`
	FiveSimAPIKey          string `mapstructure:"FIVESIM_API_KEY"`
	ProviderTimeoutSeconds int    `mapstructure:"PROVIDER_TIMEOUT_SECONDS"`
	ProviderMaxAttempts    int    `mapstructure:"PROVIDER_MAX_ATTEMPTS"`

	HomeCurrency             string           `mapstructure:"HOME_CURRENCY"`
	USDExchangeRate          string           `mapstructure:"USD_EXCHANGE_RATE"`
	PriceMarginPercent       string           `mapstructure:"PRICE_MARGIN_PERCENT"`
	DefaultServicePriceMinor int64            `mapstructure:"DEFAULT_SERVICE_PRICE"`
	ServicePricesRaw         string           `mapstructure:"SERVICE_PRICES"`
	ServicePrices            map[string]int64 `mapstructure:"-"`

	OrderLifetimeMinutes       int `mapstructure:"ORDER_LIFETIME_MINUTES"`
	MaxActiveOrders            int `mapstructure:"MAX_ACTIVE_ORDERS"`
	PurchaseRateLimitPerMinute int `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`

	SweepSchedule           string `mapstructure:"SWEEP_SCHEDULE"`
	SweepExpiryGraceSeconds int    `mapstructure:"SWEEP_EXPIRY_GRACE_SECONDS"`
	SweepMaxAgeHours        int    `mapstructure:"SWEEP_MAX_AGE_HOURS"`
	SweepBatchLimit         int    `mapstructure:"SWEEP_BATCH_LIMIT"`
	SweepLockTTLSeconds     int    `mapstructure:"SWEEP_LOCK_TTL_SECONDS"`
	SweepPollActive         bool   `mapstructure:"SWEEP_POLL_ACTIVE"`
}

// ProviderTimeout is the bound applied to every provider call.
func (c Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// OrderLifetime is how long a reservation stays active when the provider reports no expiry.
func (c Config) OrderLifetime() time.Duration {
	return time.Duration(c.OrderLifetimeMinutes) * time.Minute
}

// SweepExpiryGrace delays expiry so provider-side clocks can settle first.
func (c Config) SweepExpiryGrace() time.Duration {
	return time.Duration(c.SweepExpiryGraceSeconds) * time.Second
}

// SweepMaxAge bounds how far back the fix-up pass looks.
func (c Config) SweepMaxAge() time.Duration {
	return time.Duration(c.SweepMaxAgeHours) * time.Hour
}

// SweepLockTTL is the lifetime of the distributed sweep lock.
func (c Config) SweepLockTTL() time.Duration {
	return time.Duration(c.SweepLockTTLSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "transfa:rental")
	viper.SetDefault("EVENTS_EXCHANGE", "rental.events")
	viper.SetDefault("DEPOSIT_EVENT_QUEUE", "rental_service.deposits")
	viper.SetDefault("HTTP_RATE_LIMIT", "120-M")
	viper.SetDefault("PROVIDER", "daisysms")
	viper.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PROVIDER_MAX_ATTEMPTS", 3)
	viper.SetDefault("HOME_CURRENCY", "NGN")
	viper.SetDefault("USD_EXCHANGE_RATE", "1600")
	viper.SetDefault("PRICE_MARGIN_PERCENT", "20")
	viper.SetDefault("DEFAULT_SERVICE_PRICE", 200000) // 2,000 NGN in kobo
	viper.SetDefault("ORDER_LIFETIME_MINUTES", 5)
	viper.SetDefault("MAX_ACTIVE_ORDERS", 3)
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_EXPIRY_GRACE_SECONDS", 30)
	viper.SetDefault("SWEEP_MAX_AGE_HOURS", 72)
	viper.SetDefault("SWEEP_BATCH_LIMIT", 100)
	viper.SetDefault("SWEEP_LOCK_TTL_SECONDS", 300)
	viper.SetDefault("SWEEP_POLL_ACTIVE", true)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "STORE_DRIVER", "RUN_MIGRATIONS", "REDIS_URL", "REDIS_KEY_PREFIX",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "DEPOSIT_EVENT_QUEUE", "JWT_SECRET", "PAYMENT_WEBHOOK_SECRET",
		"CORS_ALLOWED_ORIGINS", "HTTP_RATE_LIMIT", "PROVIDER", "DAISYSMS_BASE_URL", "DAISYSMS_API_KEY",
		"FIVESIM_BASE_URL", "FIVESIM_API_KEY", "PROVIDER_TIMEOUT_SECONDS", "PROVIDER_MAX_ATTEMPTS",
		"HOME_CURRENCY", "USD_EXCHANGE_RATE", "PRICE_MARGIN_PERCENT", "DEFAULT_SERVICE_PRICE",
		"DEFAULT_SERVICE_PRICE_NAIRA", "SERVICE_PRICES", "ORDER_LIFETIME_MINUTES", "MAX_ACTIVE_ORDERS",
		"PURCHASE_RATE_LIMIT_PER_MINUTE", "SWEEP_SCHEDULE", "SWEEP_EXPIRY_GRACE_SECONDS", "SWEEP_MAX_AGE_HOURS",
		"SWEEP_BATCH_LIMIT", "SWEEP_LOCK_TTL_SECONDS", "SWEEP_POLL_ACTIVE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "RENTAL_SERVICE_INTERNAL_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.Provider = strings.ToLower(strings.TrimSpace(config.Provider))
	config.HomeCurrency = strings.ToUpper(strings.TrimSpace(config.HomeCurrency))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "transfa:rental"
	}

	// Allow specifying the default price in whole currency units via DEFAULT_SERVICE_PRICE_NAIRA.
	if viper.IsSet("DEFAULT_SERVICE_PRICE_NAIRA") {
		raw := strings.TrimSpace(viper.GetString("DEFAULT_SERVICE_PRICE_NAIRA"))
		if value, parseErr := decimal.NewFromString(raw); parseErr != nil {
			log.Printf("level=warn component=config msg=\"invalid DEFAULT_SERVICE_PRICE_NAIRA\" value=%q err=%v", raw, parseErr)
		} else {
			config.DefaultServicePriceMinor = value.Shift(2).Round(0).IntPart()
		}
	}
	if config.DefaultServicePriceMinor <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive default service price; using default\" price_minor=%d", config.DefaultServicePriceMinor)
		config.DefaultServicePriceMinor = 200000
	}

	config.ServicePrices = parseServicePrices(config.ServicePricesRaw)

	if _, parseErr := decimal.NewFromString(strings.TrimSpace(config.USDExchangeRate)); parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid USD_EXCHANGE_RATE; using default\" value=%q", config.USDExchangeRate)
		config.USDExchangeRate = "1600"
	}
	if margin, parseErr := decimal.NewFromString(strings.TrimSpace(config.PriceMarginPercent)); parseErr != nil || margin.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid PRICE_MARGIN_PERCENT; using default\" value=%q", config.PriceMarginPercent)
		config.PriceMarginPercent = "20"
	}

	if config.MaxActiveOrders < 0 {
		log.Printf("level=warn component=config msg=\"negative active order limit; disabling limit\" value=%d", config.MaxActiveOrders)
		config.MaxActiveOrders = 0
	}
	if config.OrderLifetimeMinutes <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive order lifetime; using default\" value=%d", config.OrderLifetimeMinutes)
		config.OrderLifetimeMinutes = 5
	}
	if config.ProviderTimeoutSeconds <= 0 {
		config.ProviderTimeoutSeconds = 30
	}
	if config.ProviderMaxAttempts <= 0 {
		config.ProviderMaxAttempts = 3
	}
	if config.SweepBatchLimit <= 0 || config.SweepBatchLimit > 500 {
		log.Printf("level=warn component=config msg=\"sweep batch limit out of range; using default\" value=%d", config.SweepBatchLimit)
		config.SweepBatchLimit = 100
	}
	if config.SweepMaxAgeHours <= 0 {
		config.SweepMaxAgeHours = 72
	}
	if config.SweepExpiryGraceSeconds < 0 {
		config.SweepExpiryGraceSeconds = 0
	}
	if config.SweepLockTTLSeconds <= 0 {
		config.SweepLockTTLSeconds = 300
	}

	return
}

// parseServicePrices reads "wa=40000,tg=35000" into minor-unit prices per service code.
func parseServicePrices(raw string) map[string]int64 {
	prices := make(map[string]int64)
	for _, item := range splitList(raw) {
		code, value, ok := strings.Cut(item, "=")
		if !ok {
			log.Printf("level=warn component=config msg=\"ignoring malformed SERVICE_PRICES item\" item=%q", item)
			continue
		}
		price, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || price <= 0 {
			log.Printf("level=warn component=config msg=\"ignoring invalid SERVICE_PRICES price\" item=%q", item)
			continue
		}
		prices[strings.ToLower(strings.TrimSpace(code))] = price
	}
	return prices
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
