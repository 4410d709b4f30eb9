package graph

import (
	"errors"
	"fmt"
)

// Kind classifies a crawl failure for retry and scheduling decisions.
type Kind int

const (
	// KindTransient covers network failures and 5xx responses; the fetcher
	// retries these with bounded backoff before surfacing them.
	KindTransient Kind = iota
	// KindRateLimited is an explicit too-many-requests signal. The fetcher
	// escalates the rate limiter and retries the same page.
	KindRateLimited
	// KindNotFound is a deleted or moved account; never retried.
	KindNotFound
	// KindAuth is a credential or permission failure; never retried.
	KindAuth
	// KindDataIntegrity is a malformed or truncated response. The task fails
	// without applying any partial diff.
	KindDataIntegrity
)

// String returns the lowercase label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindDataIntegrity:
		return "data_integrity"
	default:
		return "transient"
	}
}

// Error is a classified crawl failure. Op names the operation that failed
// ("bsky.getFollows", "store.persist").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, defaulting to KindTransient
// for unclassified failures so unknown errors get the conservative treatment.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the fetcher may retry the failed call.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
