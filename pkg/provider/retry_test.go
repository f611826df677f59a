package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedGateway struct {
	reserveErrs []error
	calls       int
	block       bool
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Reserve(ctx context.Context, criteria Criteria) (*Reservation, error) {
	g.calls++
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(g.reserveErrs) >= g.calls {
		if err := g.reserveErrs[g.calls-1]; err != nil {
			return nil, err
		}
	}
	return &Reservation{ExternalID: "ext-1", PhoneNumber: "15551234567"}, nil
}

func (g *scriptedGateway) Cancel(ctx context.Context, externalID string) error {
	g.calls++
	if len(g.reserveErrs) >= g.calls {
		return g.reserveErrs[g.calls-1]
	}
	return nil
}

func (g *scriptedGateway) PollStatus(ctx context.Context, externalID string) (*Status, error) {
	g.calls++
	return &Status{State: StateWaiting}, nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, CallTimeout: time.Second}
}

func TestRetryingGatewayRetriesTransientKinds(t *testing.T) {
	for _, kind := range []ErrorKind{KindRateLimited, KindUnavailable} {
		t.Run(string(kind), func(t *testing.T) {
			inner := &scriptedGateway{reserveErrs: []error{NewError(kind, "reserve", ""), NewError(kind, "reserve", "")}}
			gw := NewRetryingGateway(inner, fastPolicy())

			reservation, err := gw.Reserve(context.Background(), Criteria{Service: "wa"})
			if err != nil {
				t.Fatalf("expected success on third attempt, got %v", err)
			}
			if reservation.ExternalID != "ext-1" {
				t.Fatalf("unexpected reservation %+v", reservation)
			}
			if inner.calls != 3 {
				t.Fatalf("expected 3 calls, got %d", inner.calls)
			}
		})
	}
}

func TestRetryingGatewayGivesUpAfterMaxAttempts(t *testing.T) {
	unavailable := NewError(KindUnavailable, "reserve", "http 503")
	inner := &scriptedGateway{reserveErrs: []error{unavailable, unavailable, unavailable, unavailable}}
	gw := NewRetryingGateway(inner, fastPolicy())

	_, err := gw.Reserve(context.Background(), Criteria{Service: "wa"})
	if KindOf(err) != KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.calls)
	}
}

func TestRetryingGatewaySurfacesPermanentKindsImmediately(t *testing.T) {
	for _, kind := range []ErrorKind{KindNoInventory, KindInvalidParams, KindAmbiguous} {
		t.Run(string(kind), func(t *testing.T) {
			inner := &scriptedGateway{reserveErrs: []error{NewError(kind, "reserve", "")}}
			gw := NewRetryingGateway(inner, fastPolicy())

			_, err := gw.Reserve(context.Background(), Criteria{Service: "wa"})
			if KindOf(err) != kind {
				t.Fatalf("expected %s, got %v", kind, err)
			}
			if inner.calls != 1 {
				t.Fatalf("expected a single call, got %d", inner.calls)
			}
		})
	}
}

func TestRetryingGatewayTimeoutIsAmbiguous(t *testing.T) {
	inner := &scriptedGateway{block: true}
	policy := fastPolicy()
	policy.CallTimeout = 10 * time.Millisecond
	gw := NewRetryingGateway(inner, policy)

	_, err := gw.Reserve(context.Background(), Criteria{Service: "wa"})
	if KindOf(err) != KindAmbiguous {
		t.Fatalf("expected ambiguous outcome, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("ambiguous outcomes must not be retried, got %d calls", inner.calls)
	}
}

func TestRetryingGatewayWrapsUnknownErrors(t *testing.T) {
	inner := &scriptedGateway{reserveErrs: []error{errors.New("weird"), errors.New("weird"), errors.New("weird")}}
	gw := NewRetryingGateway(inner, fastPolicy())

	err := gw.Cancel(context.Background(), "ext-1")
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindUnavailable {
		t.Fatalf("expected unavailable provider error, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatal("nil error must have no kind")
	}
	if KindOf(context.DeadlineExceeded) != KindAmbiguous {
		t.Fatal("deadline must be ambiguous")
	}
	wrapped := errors.Join(errors.New("outer"), NewError(KindNoInventory, "reserve", ""))
	if KindOf(wrapped) != KindNoInventory {
		t.Fatal("expected kind through wrapping")
	}
	if !IsRetryable(NewError(KindRateLimited, "reserve", "")) || IsRetryable(NewError(KindInvalidParams, "reserve", "")) {
		t.Fatal("unexpected retryable classification")
	}
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		429: KindRateLimited,
		400: KindInvalidParams,
		401: KindUnavailable,
		500: KindUnavailable,
		503: KindUnavailable,
	}
	for status, want := range cases {
		if got := FromHTTPStatus("reserve", status).Kind; got != want {
			t.Errorf("status %d: got %s, want %s", status, got, want)
		}
	}
}
