package provider

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries and per-call time.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CallTimeout     time.Duration
}

// DefaultRetryPolicy allows three attempts with a 30 second timeout per call.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		CallTimeout:     30 * time.Second,
	}
}

// RetryingGateway wraps a Gateway with a per-call timeout and bounded exponential
// backoff for rate-limited and unavailable responses. Other failures surface at once.
type RetryingGateway struct {
	inner  Gateway
	policy RetryPolicy
}

// NewRetryingGateway wraps inner. Zero policy fields fall back to DefaultRetryPolicy.
func NewRetryingGateway(inner Gateway, policy RetryPolicy) *RetryingGateway {
	defaults := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaults.MaxInterval
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = defaults.CallTimeout
	}
	return &RetryingGateway{inner: inner, policy: policy}
}

func (g *RetryingGateway) Name() string {
	return g.inner.Name()
}

func (g *RetryingGateway) Reserve(ctx context.Context, criteria Criteria) (*Reservation, error) {
	var reservation *Reservation
	err := g.do(ctx, "reserve", func(ctx context.Context) error {
		var err error
		reservation, err = g.inner.Reserve(ctx, criteria)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (g *RetryingGateway) Cancel(ctx context.Context, externalID string) error {
	return g.do(ctx, "cancel", func(ctx context.Context) error {
		return g.inner.Cancel(ctx, externalID)
	})
}

func (g *RetryingGateway) PollStatus(ctx context.Context, externalID string) (*Status, error) {
	var status *Status
	err := g.do(ctx, "poll_status", func(ctx context.Context) error {
		var err error
		status, err = g.inner.PollStatus(ctx, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (g *RetryingGateway) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = g.policy.InitialInterval
	expo.MaxInterval = g.policy.MaxInterval
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(g.policy.MaxAttempts-1)), ctx)

	attempt := 0
	var lastErr error
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.policy.CallTimeout)
		defer cancel()

		err := classify(op, call(callCtx), callCtx, ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if IsRetryable(err) {
			if attempt < g.policy.MaxAttempts {
				log.Printf("level=warn component=provider_gateway provider=%s op=%s attempt=%d msg=\"retrying provider call\" err=%v", g.inner.Name(), op, attempt, err)
			}
			return err
		}
		return backoff.Permanent(err)
	}, policy)

	// A cancelled parent context ends the retry loop with ctx.Err; report the last
	// provider answer instead when there was one.
	if err != nil && lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		var perr *Error
		if !errors.As(err, &perr) {
			return lastErr
		}
	}
	return err
}

// classify turns an expired per-call deadline into an ambiguous provider error.
func classify(op string, err error, callCtx, parent context.Context) error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (callCtx.Err() != nil && parent.Err() == nil) {
		return &Error{Kind: KindAmbiguous, Op: op, Detail: "timeout", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}
