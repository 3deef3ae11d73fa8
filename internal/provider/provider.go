// Package provider implements the per-provider fetch capability: remote
// usage APIs polled over HTTP and the local Claude Code logs.
package provider

import (
	"context"
	"time"

	"github.com/theirongolddev/spendwatch/internal/source"
)

// Kind separates remote APIs from local log readers.
type Kind int

const (
	KindRemote Kind = iota
	KindLocal
)

// Shape tells the normalizer how to read a Raw payload.
type Shape int

const (
	// ShapeSnapshot is a cumulative current-state response.
	ShapeSnapshot Shape = iota
	// ShapeDatedBreakdown is a per-date list of usage buckets.
	ShapeDatedBreakdown
	// ShapeLogRecords is a parsed increment of local log lines.
	ShapeLogRecords
)

// Body is one HTTP response body plus what its headers said about limits.
type Body struct {
	// Label names the endpoint the body came from.
	Label string
	// Key fingerprints the credential used, for multi-key providers.
	Key string
	// Date is set for dated breakdowns.
	Date time.Time
	Data []byte
	// RateRemaining is the remaining request budget if the provider sent it.
	RateRemaining *int64
}

// Raw is a provider's unnormalized response.
type Raw struct {
	ProviderID string
	Shape      Shape
	FetchedAt  time.Time
	Bodies     []Body
	Increment  *source.Increment
	// Partial lists per-key failures that did not fail the fetch.
	Partial []error
}

// Provider is the fetch capability the scheduler drives. Fetch is never
// called concurrently for the same provider.
type Provider interface {
	ID() string
	Kind() Kind
	Fetch(ctx context.Context) (Raw, error)
}
