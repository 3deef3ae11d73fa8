package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	requestTimeout = 10 * time.Second
	maxBodySize    = 1 << 20 // 1 MB
	userAgent      = "spendwatch/1.0"
)

// httpGetter performs authenticated GETs and maps status codes onto the
// error taxonomy.
type httpGetter struct {
	provider string
	http     *http.Client
	now      func() time.Time
}

func newGetter(provider string) httpGetter {
	return httpGetter{provider: provider, http: &http.Client{}, now: time.Now}
}

func (g httpGetter) get(ctx context.Context, url string, header http.Header) (Body, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Body{}, fmt.Errorf("%s: creating request: %w", g.provider, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.http.Do(req) //nolint:gosec // URL is built from configured base URLs
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Body{}, err
		}
		return Body{}, &FetchError{Provider: g.provider, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Body{}, &AuthError{Provider: g.provider}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Body{}, &RateLimitError{
			Provider:   g.provider,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), g.now()),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Body{}, &FetchError{Provider: g.provider, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Body{}, &FetchError{Provider: g.provider, Err: fmt.Errorf("reading response: %w", err)}
	}
	return Body{Data: data, RateRemaining: parseRemaining(resp.Header)}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func parseRemaining(h http.Header) *int64 {
	for _, name := range []string{"X-Ratelimit-Remaining-Requests", "X-Ratelimit-Remaining"} {
		if v := h.Get(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return &n
			}
		}
	}
	return nil
}

// fetchEach runs fn for every key and stamps each body with the key's
// fingerprint. It succeeds if any key succeeds, keeping the failures as
// partial errors. When all keys fail, a rate limit wins over auth, and the
// longest retry-after is kept.
func fetchEach(ctx context.Context, keys []string, fn func(ctx context.Context, key string) ([]Body, error)) ([]Body, []error, error) {
	var (
		bodies  []Body
		partial []error
		limited *RateLimitError
	)
	for _, key := range keys {
		bs, err := fn(ctx, key)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			var rl *RateLimitError
			if errors.As(err, &rl) && (limited == nil || rl.RetryAfter > limited.RetryAfter) {
				limited = rl
			}
			partial = append(partial, err)
			continue
		}
		for i := range bs {
			bs[i].Key = KeyFingerprint(key)
		}
		bodies = append(bodies, bs...)
	}
	if len(bodies) > 0 || len(partial) == 0 {
		return bodies, partial, nil
	}
	if limited != nil {
		return nil, nil, limited
	}
	for _, err := range partial {
		if !errors.Is(err, ErrUnauthorized) {
			return nil, nil, err
		}
	}
	return nil, nil, partial[0]
}

// KeyFingerprint names a credential without revealing it.
func KeyFingerprint(key string) string {
	return "key-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:8]
}
