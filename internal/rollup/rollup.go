// Package rollup shapes stored daily rollups into the fixed historical views:
// N-day windows, per-day totals and per-provider totals.
package rollup

import (
	"sort"
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
)

const dayLayout = "2006-01-02"

// Day is every provider's usage on one UTC day.
type Day struct {
	Date         time.Time                    `json:"date"`
	TotalCost    float64                      `json:"total_cost"`
	TotalTokens  int64                        `json:"total_tokens"`
	RequestCount int64                        `json:"request_count"`
	Providers    map[string]model.DailyRollup `json:"providers,omitempty"`
}

// Totals summarizes a range of rollups.
type Totals struct {
	Days         int     `json:"days"`
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  int64   `json:"total_tokens"`
	RequestCount int64   `json:"request_count"`
	CostPerDay   float64 `json:"cost_per_day"`
	TokensPerDay int64   `json:"tokens_per_day"`
}

// ProviderTotal is one provider's share of a range.
type ProviderTotal struct {
	ProviderID   string  `json:"provider_id"`
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  int64   `json:"total_tokens"`
	RequestCount int64   `json:"request_count"`
	CostShare    float64 `json:"cost_share"`
}

// Window returns the first and last UTC day of the n days ending on now's
// day. n below 1 is treated as 1.
func Window(now time.Time, n int) (from, to time.Time) {
	if n < 1 {
		n = 1
	}
	to = model.DayOf(now)
	return to.AddDate(0, 0, -(n - 1)), to
}

// Days merges rollups per day over [from, to], filling days without usage
// with zeros so charts show gaps. Most recent day first.
func Days(rollups []model.DailyRollup, from, to time.Time) []Day {
	dayMap := make(map[string]*Day)

	for _, r := range rollups {
		key := r.Date.UTC().Format(dayLayout)
		d, ok := dayMap[key]
		if !ok {
			d = &Day{Date: model.DayOf(r.Date), Providers: make(map[string]model.DailyRollup)}
			dayMap[key] = d
		}
		d.TotalCost += r.TotalCost
		d.TotalTokens += r.TotalTokens
		d.RequestCount += r.RequestCount
		d.Providers[r.ProviderID] = r
	}

	day := model.DayOf(from)
	end := model.DayOf(to)
	for !day.After(end) {
		key := day.Format(dayLayout)
		if _, ok := dayMap[key]; !ok {
			dayMap[key] = &Day{Date: day}
		}
		day = day.AddDate(0, 0, 1)
	}

	days := make([]Day, 0, len(dayMap))
	for _, d := range dayMap {
		if d.Date.Before(model.DayOf(from)) || d.Date.After(end) {
			continue
		}
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool {
		return days[i].Date.After(days[j].Date)
	})
	return days
}

// Sum totals days. Per-day averages divide by the number of days, zero
// days included.
func Sum(days []Day) Totals {
	t := Totals{Days: len(days)}
	for _, d := range days {
		t.TotalCost += d.TotalCost
		t.TotalTokens += d.TotalTokens
		t.RequestCount += d.RequestCount
	}
	if t.Days > 0 {
		t.CostPerDay = t.TotalCost / float64(t.Days)
		t.TokensPerDay = t.TotalTokens / int64(t.Days)
	}
	return t
}

// ByProvider totals rollups per provider, most expensive first.
func ByProvider(rollups []model.DailyRollup) []ProviderTotal {
	byID := make(map[string]*ProviderTotal)
	var total float64
	for _, r := range rollups {
		pt, ok := byID[r.ProviderID]
		if !ok {
			pt = &ProviderTotal{ProviderID: r.ProviderID}
			byID[r.ProviderID] = pt
		}
		pt.TotalCost += r.TotalCost
		pt.TotalTokens += r.TotalTokens
		pt.RequestCount += r.RequestCount
		total += r.TotalCost
	}

	out := make([]ProviderTotal, 0, len(byID))
	for _, pt := range byID {
		if total > 0 {
			pt.CostShare = pt.TotalCost / total
		}
		out = append(out, *pt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out
}
