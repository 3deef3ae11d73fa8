package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/provider"
)

// fromBreakdown reads dated usage buckets:
//
//	{"data":[{"aggregation_timestamp":1717236000,"snapshot_id":"gpt-4o-mini",
//	  "n_context_tokens_total":120,"n_generated_tokens_total":30, ...}]}
//
// A bucket missing either token total is dropped. Buckets of the fetch day
// are still filling up and are marked revisable, as are the previous day's
// during the settle window after midnight UTC.
func fromBreakdown(providerID string, raw provider.Raw, prices *config.PriceTable) Result {
	var res Result
	settled := settledBefore(raw.FetchedAt)
	for _, body := range raw.Bodies {
		if !gjson.ValidBytes(body.Data) {
			res.Malformed++
			continue
		}
		gjson.GetBytes(body.Data, "data").ForEach(func(_, item gjson.Result) bool {
			in := item.Get("n_context_tokens_total")
			out := item.Get("n_generated_tokens_total")
			if !in.Exists() || !out.Exists() {
				res.Malformed++
				return true
			}

			at := body.Date
			if ts := item.Get("aggregation_timestamp"); ts.Exists() {
				at = time.Unix(ts.Int(), 0).UTC()
			}
			if at.IsZero() {
				res.Malformed++
				return true
			}

			modelID := item.Get("snapshot_id").String()
			ev := model.UsageEvent{
				ProviderID:      providerID,
				OccurredAt:      at,
				ModelID:         modelID,
				InputTokens:     in.Int(),
				OutputTokens:    out.Int(),
				CacheReadTokens: item.Get("n_cached_context_tokens_total").Int(),
			}
			if ev.ModelID == "" {
				ev.ModelID = "unknown"
			}
			if modelID != "" && item.Get("aggregation_timestamp").Exists() {
				ev.Identity = strings.Join([]string{
					providerID,
					item.Get("organization_id").String(),
					strconv.FormatInt(at.Unix(), 10),
					modelID,
					item.Get("operation").String(),
				}, ":")
				ev.Revisable = !raw.FetchedAt.IsZero() && !model.DayOf(at).Before(settled)
			}

			// Cached context tokens are a subset of the context total.
			uncached := ev.InputTokens - ev.CacheReadTokens
			if uncached < 0 {
				uncached = 0
			}
			ev.CostUSD, ev.Unpriced = prices.Cost(providerID, modelID, at, config.TokenCounts{
				Input:     uncached,
				Output:    ev.OutputTokens,
				CacheRead: ev.CacheReadTokens,
			})

			res.count(&ev)
			res.Events = append(res.Events, ev)
			return true
		})
	}
	return res
}

// SettleWindow is how long after midnight UTC the previous day's buckets
// may still change.
const SettleWindow = time.Hour

// settledBefore returns the first day whose buckets may still change at
// fetchedAt; earlier days are final.
func settledBefore(fetchedAt time.Time) time.Time {
	today := model.DayOf(fetchedAt)
	if fetchedAt.Sub(today) < SettleWindow {
		return today.AddDate(0, 0, -1)
	}
	return today
}

// fromSnapshot folds every body of a cumulative response into one snapshot.
func fromSnapshot(providerID string, raw provider.Raw) (*model.ProviderSnapshot, error) {
	snap := &model.ProviderSnapshot{
		ProviderID: providerID,
		FetchedAt:  raw.FetchedAt,
		Status:     model.StatusActive,
	}

	used := 0
	for _, body := range raw.Bodies {
		if !gjson.ValidBytes(body.Data) {
			continue
		}
		before := counters(snap)
		var ok bool
		switch providerID {
		case config.ProviderOpenRouter:
			ok = applyOpenRouter(snap, body.Data)
		case config.ProviderHuggingFace:
			ok = applyHuggingFace(snap, body.Data)
		case config.ProviderClaudeAI:
			ok = applyClaudeAI(snap, body)
		default:
			ok = applyGeneric(snap, body.Data)
		}
		if ok {
			used++
			addPart(snap, partName(body, used), partDiff(before, counters(snap)))
		}
		if body.RateRemaining != nil {
			r := *body.RateRemaining
			if snap.RateLimit.Remaining == nil || r < *snap.RateLimit.Remaining {
				snap.RateLimit.Remaining = &r
			}
		}
	}
	if used == 0 {
		return nil, fmt.Errorf("%s: %w: no usable response body", providerID, provider.ErrMalformedRecord)
	}
	return snap, nil
}

func partName(body provider.Body, n int) string {
	switch {
	case body.Key != "" && body.Label != "":
		return body.Label + "/" + body.Key
	case body.Key != "":
		return body.Key
	case body.Label != "":
		return body.Label
	}
	return "body-" + strconv.Itoa(n)
}

func counters(snap *model.ProviderSnapshot) model.SnapshotPart {
	p := model.SnapshotPart{CostToDate: snap.CostToDate, TokenCount: snap.TokenCount}
	if snap.CreditLimit != nil {
		v := *snap.CreditLimit
		p.CreditLimit = &v
	}
	if snap.CreditRemaining != nil {
		v := *snap.CreditRemaining
		p.CreditRemaining = &v
	}
	return p
}

func partDiff(before, after model.SnapshotPart) model.SnapshotPart {
	return model.SnapshotPart{
		CostToDate:      after.CostToDate - before.CostToDate,
		TokenCount:      after.TokenCount - before.TokenCount,
		CreditLimit:     optionalDiff(before.CreditLimit, after.CreditLimit),
		CreditRemaining: optionalDiff(before.CreditRemaining, after.CreditRemaining),
	}
}

// optionalDiff is nil when the body left the value untouched.
func optionalDiff(before, after *float64) *float64 {
	if after == nil || (before != nil && *before == *after) {
		return nil
	}
	v := *after
	if before != nil {
		v -= *before
	}
	return &v
}

func addPart(snap *model.ProviderSnapshot, name string, p model.SnapshotPart) {
	if snap.Parts == nil {
		snap.Parts = make(map[string]model.SnapshotPart)
	}
	if prev, ok := snap.Parts[name]; ok {
		p.CostToDate += prev.CostToDate
		p.TokenCount += prev.TokenCount
		if prev.CreditLimit != nil {
			addFloat(&p.CreditLimit, *prev.CreditLimit)
		}
		if prev.CreditRemaining != nil {
			addFloat(&p.CreditRemaining, *prev.CreditRemaining)
		}
	}
	snap.Parts[name] = p
}

func addFloat(dst **float64, v float64) {
	if *dst == nil {
		*dst = new(float64)
	}
	**dst += v
}

// applyOpenRouter reads /api/v1/auth/key: data.usage, data.limit and
// data.limit_remaining, where limit is null for unlimited keys.
func applyOpenRouter(snap *model.ProviderSnapshot, data []byte) bool {
	usage := gjson.GetBytes(data, "data.usage")
	if !usage.Exists() {
		return false
	}
	snap.CostToDate += usage.Float()
	if l := gjson.GetBytes(data, "data.limit"); l.Exists() && l.Type != gjson.Null {
		addFloat(&snap.CreditLimit, l.Float())
	}
	if r := gjson.GetBytes(data, "data.limit_remaining"); r.Exists() && r.Type != gjson.Null {
		addFloat(&snap.CreditRemaining, r.Float())
	}
	return true
}

// applyHuggingFace accepts either a per-service breakdown under "usage" or a
// flat "total_spent".
func applyHuggingFace(snap *model.ProviderSnapshot, data []byte) bool {
	if usage := gjson.GetBytes(data, "usage"); usage.IsObject() {
		usage.ForEach(func(k, v gjson.Result) bool {
			cost := v.Get("cost").Float()
			snap.CostToDate += cost
			if snap.Breakdown == nil {
				snap.Breakdown = make(map[string]float64)
			}
			snap.Breakdown[k.String()] += cost
			return true
		})
		return true
	}
	if total := gjson.GetBytes(data, "total_spent"); total.Exists() {
		snap.CostToDate += total.Float()
		return true
	}
	return false
}

// applyGeneric handles providers that report {"total_cost":..,"total_tokens":..}.
func applyGeneric(snap *model.ProviderSnapshot, data []byte) bool {
	cost := gjson.GetBytes(data, "total_cost")
	tokens := gjson.GetBytes(data, "total_tokens")
	if !cost.Exists() && !tokens.Exists() {
		return false
	}
	snap.CostToDate += cost.Float()
	snap.TokenCount += tokens.Int()
	return true
}

var claudeWindows = []string{"five_hour", "seven_day", "seven_day_opus", "seven_day_sonnet"}

// applyClaudeAI reads the usage windows and the overage spend limit.
func applyClaudeAI(snap *model.ProviderSnapshot, body provider.Body) bool {
	switch body.Label {
	case "usage":
		found := false
		for _, name := range claudeWindows {
			w := gjson.GetBytes(body.Data, name)
			if !w.IsObject() {
				continue
			}
			pct, ok := parseUtilization(w.Get("utilization"))
			if !ok {
				continue
			}
			uw := model.UsageWindow{Name: name, Utilization: pct}
			if t, err := time.Parse(time.RFC3339, w.Get("resets_at").String()); err == nil {
				uw.ResetsAt = t
			}
			snap.RateLimit.Windows = append(snap.RateLimit.Windows, uw)
			found = true
		}
		return found
	case "overage":
		var ol struct {
			IsEnabled          bool    `json:"isEnabled"`
			UsedCredits        float64 `json:"usedCredits"`
			MonthlyCreditLimit float64 `json:"monthlyCreditLimit"`
		}
		if err := json.Unmarshal(body.Data, &ol); err != nil {
			return false
		}
		snap.CostToDate += ol.UsedCredits
		if ol.IsEnabled && ol.MonthlyCreditLimit > 0 {
			addFloat(&snap.CreditLimit, ol.MonthlyCreditLimit)
			addFloat(&snap.CreditRemaining, ol.MonthlyCreditLimit-ol.UsedCredits)
		}
		return true
	}
	return false
}

// parseUtilization accepts int (75), float (0.75 or 75.0) and string
// ("75%" or "0.75") forms and returns a 0.0-1.0 value.
func parseUtilization(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		f = v.Float()
	case gjson.String:
		s := strings.TrimSuffix(strings.TrimSpace(v.Str), "%")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if f > 1.0 {
		f /= 100.0
	}
	return f, true
}
