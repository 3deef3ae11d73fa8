package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates the provider asked us to back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers network failures and 5xx responses.
	ErrTransient = errors.New("transient fetch error")
	// ErrMalformedRecord marks a single unusable event or line.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrParseAmbiguity marks an event that has no dedup identity.
	ErrParseAmbiguity = errors.New("missing dedup identity")
)

// AuthError is returned when a provider rejects or lacks credentials.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unauthorized: %v", e.Provider, e.Err)
	}
	return e.Provider + ": unauthorized"
}

func (e *AuthError) Unwrap() error        { return e.Err }
func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// RateLimitError carries the provider's retry-after hint. A zero RetryAfter
// means the provider gave none.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return e.Provider + ": rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// FetchError wraps a failed request that is worth retrying on the next tick.
type FetchError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *FetchError) Unwrap() error        { return e.Err }
func (e *FetchError) Is(target error) bool { return target == ErrTransient }

// ErrorKind is the scheduler's view of a fetch failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindAuth
	KindRateLimited
	KindTransient
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindCanceled:
		return "canceled"
	default:
		return "transient"
	}
}

// Classify maps any error onto the taxonomy. Unknown errors are transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindTransient
	}
}

// RetryAfter extracts the retry-after hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
