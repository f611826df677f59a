package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PurchaseThrottle caps purchase attempts per user. Attempts are counted in Redis
// under one key per user and window; every key outlives its window by a second so
// a late increment cannot restart the count.
type PurchaseThrottle struct {
	client redis.UniversalClient
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewPurchaseThrottle allows limit attempts per user in each window. A limit of zero
// or less disables the throttle.
func NewPurchaseThrottle(client redis.UniversalClient, prefix string, limit int, window time.Duration) *PurchaseThrottle {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "transfa:rental"
	}
	if window < time.Second {
		window = time.Minute
	}
	return &PurchaseThrottle{
		client: client,
		prefix: prefix + ":purchase_attempts",
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}
}

func (t *PurchaseThrottle) key(userID uuid.UUID, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", t.prefix, userID, windowStart.Unix())
}

// Allow counts one purchase attempt. It returns a *RetryAfterError wrapping
// ErrPurchaseRateLimited once the user is over the limit for the current window;
// any other error means Redis could not be reached.
func (t *PurchaseThrottle) Allow(ctx context.Context, userID uuid.UUID) error {
	if t == nil || t.client == nil || t.limit <= 0 {
		return nil
	}

	now := t.now().UTC()
	windowStart := now.Truncate(t.window)
	key := t.key(userID, windowStart)

	var attempts *redis.IntCmd
	if _, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attempts = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, t.window+time.Second)
		return nil
	}); err != nil {
		return fmt.Errorf("count purchase attempt: %w", err)
	}
	if attempts.Val() <= t.limit {
		return nil
	}

	wait := windowStart.Add(t.window).Sub(now)
	if rounded := wait.Truncate(time.Second); rounded < wait {
		wait = rounded + time.Second
	}
	if wait < time.Second {
		wait = time.Second
	}
	return &RetryAfterError{Err: ErrPurchaseRateLimited, RetryAfter: wait}
}
