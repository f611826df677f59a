package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseSweepLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSweepLock implements SweepLock with SET NX PX and a token-checked release.
type RedisSweepLock struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

func NewRedisSweepLock(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisSweepLock {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "transfa:rental"
	}
	return &RedisSweepLock{client: client, key: trimmedPrefix + ":sweep:lock", logger: logger}
}

// Key returns the redis key guarding sweeps.
func (l *RedisSweepLock) Key() string {
	return l.key
}

func (l *RedisSweepLock) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseSweepLockScript.Run(rctx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release sweep lock", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}
