package provider

import (
	"context"
	"net/http"
	"strings"
)

const huggingFaceBaseURL = "https://huggingface.co"

// HuggingFace reads the billing usage endpoint. Billing is compute based,
// so snapshots carry cost but no tokens.
type HuggingFace struct {
	keys    []string
	baseURL string
	get     httpGetter
}

// NewHuggingFace returns nil when no token is configured.
func NewHuggingFace(keys []string, baseURL string) *HuggingFace {
	if len(keys) == 0 {
		return nil
	}
	if baseURL == "" {
		baseURL = huggingFaceBaseURL
	}
	return &HuggingFace{keys: keys, baseURL: strings.TrimRight(baseURL, "/"), get: newGetter("huggingface")}
}

func (h *HuggingFace) ID() string { return "huggingface" }
func (h *HuggingFace) Kind() Kind { return KindRemote }

func (h *HuggingFace) Fetch(ctx context.Context) (Raw, error) {
	now := h.get.now()
	bodies, partial, err := fetchEach(ctx, h.keys, func(ctx context.Context, key string) ([]Body, error) {
		hdr := http.Header{}
		hdr.Set("Authorization", "Bearer "+key)
		b, err := h.get.get(ctx, h.baseURL+"/api/billing/usage", hdr)
		if err != nil {
			return nil, err
		}
		b.Label = "billing"
		return []Body{b}, nil
	})
	if err != nil {
		return Raw{}, err
	}
	return Raw{ProviderID: h.ID(), Shape: ShapeSnapshot, FetchedAt: now, Bodies: bodies, Partial: partial}, nil
}
