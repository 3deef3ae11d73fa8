// Package normalize maps raw provider payloads onto the canonical usage
// model. Everything here is pure: no I/O, no clocks, no shared state beyond
// the read-only price table.
package normalize

import (
	"fmt"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/provider"
	"github.com/theirongolddev/spendwatch/internal/source"
)

// Result is either a snapshot or an ordered event list, plus quality counts.
type Result struct {
	Snapshot *model.ProviderSnapshot
	Events   []model.UsageEvent

	// Malformed counts records dropped as unusable, including lines the
	// log parser already rejected.
	Malformed int
	// Ambiguous counts events kept without a dedup identity.
	Ambiguous int
	// Unpriced counts events whose model had no price.
	Unpriced int
}

// Normalize converts raw into canonical form for providerID.
func Normalize(providerID string, raw provider.Raw, prices *config.PriceTable) (Result, error) {
	switch raw.Shape {
	case provider.ShapeLogRecords:
		if raw.Increment == nil {
			return Result{}, nil
		}
		return fromRecords(providerID, *raw.Increment, prices), nil
	case provider.ShapeDatedBreakdown:
		return fromBreakdown(providerID, raw, prices), nil
	case provider.ShapeSnapshot:
		snap, err := fromSnapshot(providerID, raw)
		if err != nil {
			return Result{}, err
		}
		return Result{Snapshot: snap}, nil
	default:
		return Result{}, fmt.Errorf("%s: unknown payload shape %d", providerID, raw.Shape)
	}
}

func fromRecords(providerID string, inc source.Increment, prices *config.PriceTable) Result {
	res := Result{Malformed: inc.ParseErrors}
	res.Events = make([]model.UsageEvent, 0, len(inc.Records))

	for _, rec := range inc.Records {
		if rec.TokensMissing || rec.Timestamp.IsZero() {
			res.Malformed++
			continue
		}

		ev := model.UsageEvent{
			ProviderID:       providerID,
			OccurredAt:       rec.Timestamp.UTC(),
			ModelID:          prices.NormalizeModelName(providerID, rec.Model),
			InputTokens:      rec.InputTokens,
			OutputTokens:     rec.OutputTokens,
			CacheWriteTokens: rec.CacheWrite5m + rec.CacheWrite1h,
			CacheReadTokens:  rec.CacheRead,
		}
		if ev.ModelID == "" {
			ev.ModelID = "unknown"
		}
		if rec.MessageID != "" && rec.RequestID != "" {
			ev.Identity = rec.MessageID + ":" + rec.RequestID
		}

		if rec.CostUSD != nil {
			ev.CostUSD = *rec.CostUSD
			ev.CostReported = true
		} else {
			ev.CostUSD, ev.Unpriced = prices.Cost(providerID, rec.Model, rec.Timestamp, config.TokenCounts{
				Input:        rec.InputTokens,
				Output:       rec.OutputTokens,
				CacheWrite5m: rec.CacheWrite5m,
				CacheWrite1h: rec.CacheWrite1h,
				CacheRead:    rec.CacheRead,
			})
		}

		res.count(&ev)
		res.Events = append(res.Events, ev)
	}
	return res
}

func (r *Result) count(ev *model.UsageEvent) {
	if !ev.HasIdentity() {
		ev.LowQuality = true
		r.Ambiguous++
	}
	if ev.Unpriced {
		r.Unpriced++
	}
}
