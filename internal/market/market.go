// Package market defines the uniform contract every marketplace adapter
// implements, plus the error taxonomy the scanner uses to decide whether a
// failure is retryable.
package market

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/giftscan/internal/model"
)

// Sentinel adapter errors. Wrapped with fmt.Errorf("%s: %w", ctx, err) at
// each adapter boundary so callers can still errors.Is against these.
var (
	ErrTransient    = errors.New("market: transient network error")
	ErrAuthRejected = errors.New("market: auth rejected")
	ErrRateLimited  = errors.New("market: rate limited")
	ErrMalformed    = errors.New("market: malformed response")
	ErrEmpty        = errors.New("market: empty result")
	ErrUnsupported  = errors.New("market: strategy not supported by this adapter")
)

// IsFatal reports whether an adapter error should never be retried: auth
// rejections, malformed payloads, empty results, and unsupported-strategy
// errors won't get better on a second attempt. Transient network failures
// and rate-limit responses will.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, ErrTransient), errors.Is(err, ErrRateLimited):
		return false
	case errors.Is(err, ErrAuthRejected), errors.Is(err, ErrMalformed),
		errors.Is(err, ErrEmpty), errors.Is(err, ErrUnsupported):
		return true
	}
	return false
}

// Observation is a single price reading for one gift from one source, the
// unit every adapter call returns. The scanner normalizes its Slug and
// stamps a ScannedAt before turning it into a model.Snapshot.
type Observation struct {
	Price      decimal.Decimal
	Currency   model.Currency
	Source     string
	Slug       string
	NativeID   *string
	Serial     *int
	Attributes model.Attributes
	RawName    string
}

// Adapter is the uniform contract the scanner drives every marketplace
// through. An adapter that only supports one strategy returns ErrUnsupported
// from the other; the orchestrator checks SupportsBulk before choosing.
type Adapter interface {
	SourceName() string
	SupportsBulk() bool
	FetchOne(ctx context.Context, slug string) (Observation, error)
	FetchAll(ctx context.Context) (map[string]Observation, error)
}
