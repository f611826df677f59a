package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the closed set of provider failure classes.
type ErrorKind string

const (
	KindRateLimited   ErrorKind = "rate_limited"
	KindNoInventory   ErrorKind = "no_inventory"
	KindInvalidParams ErrorKind = "invalid_params"
	KindUnavailable   ErrorKind = "unavailable"
	// KindAmbiguous means the outcome of the call is unknown, e.g. it timed out.
	KindAmbiguous ErrorKind = "ambiguous"
)

// Error is returned by every Gateway implementation on failure.
type Error struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

// NewError builds a provider error without an underlying cause.
func NewError(kind ErrorKind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may be repeated with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

// KindOf extracts the error kind. Context deadline errors count as ambiguous;
// anything unrecognised yields an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindAmbiguous
	}
	return ""
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Retryable()
}

// FromTransport classifies an HTTP transport failure. Failures to connect are
// definite; anything after the request may have reached the provider is ambiguous.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindAmbiguous, Op: op, Detail: "timeout", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindAmbiguous, Op: op, Detail: "timeout", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &Error{Kind: KindUnavailable, Op: op, Detail: "connect failed", Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindUnavailable, Op: op, Detail: "dns lookup failed", Err: err}
	}
	return &Error{Kind: KindAmbiguous, Op: op, Detail: "transport error", Err: err}
}

// FromHTTPStatus classifies a non-2xx response that carried no recognised body.
func FromHTTPStatus(op string, status int) *Error {
	switch {
	case status == 429:
		return NewError(KindRateLimited, op, fmt.Sprintf("http %d", status))
	case status == 400 || status == 422:
		return NewError(KindInvalidParams, op, fmt.Sprintf("http %d", status))
	case status == 401 || status == 403:
		return NewError(KindUnavailable, op, fmt.Sprintf("http %d: provider rejected credentials", status))
	case status >= 500:
		return NewError(KindUnavailable, op, fmt.Sprintf("http %d", status))
	default:
		return NewError(KindUnavailable, op, fmt.Sprintf("unexpected http %d", status))
	}
}
