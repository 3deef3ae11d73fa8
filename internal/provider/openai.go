package provider

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

const openAIBaseURL = "https://api.openai.com"

// OpenAI polls the legacy per-date usage endpoint. The first successful
// fetch backfills recent dates; afterwards only the current date (and the
// previous one shortly after midnight UTC) is refetched, since past dates
// are final.
type OpenAI struct {
	keys         []string
	org          string
	baseURL      string
	backfillDays int
	get          httpGetter

	mu         sync.Mutex
	backfilled bool
}

// NewOpenAI returns nil when no key is configured.
func NewOpenAI(keys []string, org, baseURL string, backfillDays int) *OpenAI {
	if len(keys) == 0 {
		return nil
	}
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	if backfillDays < 1 {
		backfillDays = 1
	}
	return &OpenAI{
		keys:         keys,
		org:          org,
		baseURL:      strings.TrimRight(baseURL, "/"),
		backfillDays: backfillDays,
		get:          newGetter("openai"),
	}
}

func (o *OpenAI) ID() string { return "openai" }
func (o *OpenAI) Kind() Kind { return KindRemote }

func (o *OpenAI) dates(now time.Time) []time.Time {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	o.mu.Lock()
	n := 1
	if !o.backfilled {
		n = o.backfillDays
	} else if now.Sub(today) < time.Hour {
		n = 2
	}
	o.mu.Unlock()

	out := make([]time.Time, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, today.AddDate(0, 0, -i))
	}
	return out
}

// Fetch returns one body per (key, date).
func (o *OpenAI) Fetch(ctx context.Context) (Raw, error) {
	now := o.get.now()
	dates := o.dates(now)

	bodies, partial, err := fetchEach(ctx, o.keys, func(ctx context.Context, key string) ([]Body, error) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+key)
		if o.org != "" {
			hdr.Set("OpenAI-Organization", o.org)
		}
		out := make([]Body, 0, len(dates))
		for _, d := range dates {
			b, err := o.get.get(ctx, o.baseURL+"/v1/usage?date="+d.Format("2006-01-02"), hdr)
			if err != nil {
				return nil, err
			}
			b.Label = "usage"
			b.Date = d
			out = append(out, b)
		}
		return out, nil
	})
	if err != nil {
		return Raw{}, err
	}

	o.mu.Lock()
	o.backfilled = true
	o.mu.Unlock()

	return Raw{
		ProviderID: o.ID(),
		Shape:      ShapeDatedBreakdown,
		FetchedAt:  now,
		Bodies:     bodies,
		Partial:    partial,
	}, nil
}
