package provider

import (
	"context"
	"net/http"
	"strings"
)

const openRouterBaseURL = "https://openrouter.ai"

// OpenRouter reads the key endpoint, which reports cumulative usage and the
// credit limit of each key.
type OpenRouter struct {
	keys    []string
	baseURL string
	get     httpGetter
}

// NewOpenRouter returns nil when no key is configured.
func NewOpenRouter(keys []string, baseURL string) *OpenRouter {
	if len(keys) == 0 {
		return nil
	}
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	return &OpenRouter{keys: keys, baseURL: strings.TrimRight(baseURL, "/"), get: newGetter("openrouter")}
}

func (o *OpenRouter) ID() string { return "openrouter" }
func (o *OpenRouter) Kind() Kind { return KindRemote }

func (o *OpenRouter) Fetch(ctx context.Context) (Raw, error) {
	now := o.get.now()
	bodies, partial, err := fetchEach(ctx, o.keys, func(ctx context.Context, key string) ([]Body, error) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+key)
		hdr.Set("HTTP-Referer", "https://github.com/theirongolddev/spendwatch")
		hdr.Set("X-Title", "spendwatch")
		b, err := o.get.get(ctx, o.baseURL+"/api/v1/auth/key", hdr)
		if err != nil {
			return nil, err
		}
		b.Label = "key"
		return []Body{b}, nil
	})
	if err != nil {
		return Raw{}, err
	}
	return Raw{ProviderID: o.ID(), Shape: ShapeSnapshot, FetchedAt: now, Bodies: bodies, Partial: partial}, nil
}
