package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestOrderStatusTransitions(t *testing.T) {
	all := []OrderStatus{OrderStatusRequested, OrderStatusActive, OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired}
	allowed := map[OrderStatus][]OrderStatus{
		OrderStatusRequested: {OrderStatusActive},
		OrderStatusActive:    {OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("CanTransition(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	for _, status := range []OrderStatus{OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired} {
		if !status.IsTerminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
		for _, next := range []OrderStatus{OrderStatusActive, OrderStatusFulfilled, OrderStatusCancelled, OrderStatusExpired} {
			if status.CanTransition(next) {
				t.Fatalf("terminal status %s must not move to %s", status, next)
			}
		}
	}
	if OrderStatusActive.IsTerminal() {
		t.Fatal("active must not be terminal")
	}
}

func TestOrderRefundKey(t *testing.T) {
	id := uuid.MustParse("7f1a4e36-1b8f-4c5b-9f0a-2d0f1b7f7c11")

	cases := []struct {
		status OrderStatus
		want   string
	}{
		{OrderStatusCancelled, "cancel:" + id.String()},
		{OrderStatusExpired, "expire:" + id.String()},
		{OrderStatusFulfilled, ""},
		{OrderStatusActive, ""},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			order := Order{ID: id, Status: tc.status}
			if got := order.RefundKey(); got != tc.want {
				t.Fatalf("RefundKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOrderExpiryAndCode(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	order := Order{CreatedAt: t0, ExpiresAt: t0.Add(5 * time.Minute)}

	if order.IsExpiredAt(t0.Add(4 * time.Minute)) {
		t.Fatal("order must not be expired before expires_at")
	}
	if !order.IsExpiredAt(t0.Add(5 * time.Minute)) {
		t.Fatal("order must be expired at expires_at")
	}

	empty := ""
	order.Code = &empty
	if order.CodeDelivered() {
		t.Fatal("empty code must not count as delivered")
	}
	code := "123456"
	order.Code = &code
	if !order.CodeDelivered() {
		t.Fatal("expected code to be delivered")
	}
}
