package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/spendwatch/internal/config"
	"github.com/theirongolddev/spendwatch/internal/credentials"
	"github.com/theirongolddev/spendwatch/internal/source"
)

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestGet_StatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			w.WriteHeader(http.StatusUnauthorized)
		case "/limited":
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/boom":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Header().Set("X-Ratelimit-Remaining-Requests", "42")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	g := newGetter("test")
	ctx := context.Background()

	if _, err := g.get(ctx, srv.URL+"/auth", nil); Classify(err) != KindAuth {
		t.Errorf("401 classified as %v, want auth", Classify(err))
	}

	_, err := g.get(ctx, srv.URL+"/limited", nil)
	if Classify(err) != KindRateLimited {
		t.Fatalf("429 classified as %v, want rate_limited", Classify(err))
	}
	if d, ok := RetryAfter(err); !ok || d != 120*time.Second {
		t.Errorf("RetryAfter = %v/%v, want 120s", d, ok)
	}

	_, err = g.get(ctx, srv.URL+"/boom", nil)
	if !errors.Is(err, ErrTransient) {
		t.Errorf("502 error = %v, want transient", err)
	}

	b, err := g.get(ctx, srv.URL+"/ok", nil)
	if err != nil {
		t.Fatalf("ok: %v", err)
	}
	if b.RateRemaining == nil || *b.RateRemaining != 42 {
		t.Errorf("RateRemaining = %v, want 42", b.RateRemaining)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Errorf("seconds form = %v, want 30s", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 90*time.Second {
		t.Errorf("date form = %v, want 90s", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Errorf("garbage = %v, want 0", got)
	}
}

func TestOpenAI_BackfillThenToday(t *testing.T) {
	var (
		mu    sync.Mutex
		dates []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("OpenAI-Organization") != "org-1" {
			t.Errorf("missing organization header")
		}
		mu.Lock()
		dates = append(dates, r.URL.Query().Get("date"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	seen := func() string {
		mu.Lock()
		defer mu.Unlock()
		got := strings.Join(dates, ",")
		dates = nil
		return got
	}

	o := NewOpenAI([]string{"sk-1"}, "org-1", srv.URL, 3)
	o.get.now = fixedNow(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))

	raw, err := o.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if raw.Shape != ShapeDatedBreakdown || len(raw.Bodies) != 3 {
		t.Fatalf("first fetch: shape=%v bodies=%d, want dated/3", raw.Shape, len(raw.Bodies))
	}
	if got := seen(); got != "2025-06-08,2025-06-09,2025-06-10" {
		t.Errorf("backfill dates = %s", got)
	}

	if _, err := o.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := seen(); got != "2025-06-10" {
		t.Errorf("steady-state dates = %s, want today only", got)
	}

	o.get.now = fixedNow(time.Date(2025, 6, 11, 0, 20, 0, 0, time.UTC))
	if _, err := o.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := seen(); got != "2025-06-10,2025-06-11" {
		t.Errorf("after midnight dates = %s, want yesterday and today", got)
	}
}

func TestFetchEach_PartialAndAllFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			_, _ = w.Write([]byte(`{"data":{"usage":1.5}}`))
		case "Bearer slow":
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	raw, err := NewOpenRouter([]string{"bad", "good"}, srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("partial fetch failed: %v", err)
	}
	if len(raw.Bodies) != 1 || len(raw.Partial) != 1 {
		t.Errorf("bodies=%d partial=%d, want 1/1", len(raw.Bodies), len(raw.Partial))
	}

	_, err = NewOpenRouter([]string{"bad", "slow"}, srv.URL).Fetch(context.Background())
	if Classify(err) != KindRateLimited {
		t.Errorf("all-failed with a 429 classified as %v, want rate_limited", Classify(err))
	}

	_, err = NewOpenRouter([]string{"bad"}, srv.URL).Fetch(context.Background())
	if Classify(err) != KindAuth {
		t.Errorf("all-auth classified as %v, want auth", Classify(err))
	}
}

func TestClaudeAI_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Cookie"), "sessionKey=sk-ant-sid-test") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/organizations":
			_, _ = w.Write([]byte(`[{"uuid":"org-9","name":"me"}]`))
		case "/organizations/org-9/usage":
			_, _ = w.Write([]byte(`{"five_hour":{"utilization":42,"resets_at":"2025-06-01T15:00:00Z"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	if NewClaudeAI("not-a-session-key", srv.URL) != nil {
		t.Error("wrong key prefix should yield a nil client")
	}

	raw, err := NewClaudeAI("sk-ant-sid-test", srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(raw.Bodies) != 1 || raw.Bodies[0].Label != "usage" {
		t.Errorf("bodies = %+v, want usage only", raw.Bodies)
	}
	if len(raw.Partial) != 1 {
		t.Errorf("partial = %d, want 1 (overage 404)", len(raw.Partial))
	}
}

type fakePoller struct{ inc source.Increment }

func (f fakePoller) Poll(context.Context) (source.Increment, error) { return f.inc, nil }

func TestFromConfig_Unconfigured(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.General.ClaudeDir = t.TempDir()
	p := cfg.Providers[config.ProviderHuggingFace]
	p.Enabled = false
	cfg.Providers[config.ProviderHuggingFace] = p

	set := FromConfig(&cfg, credentials.FromMap(map[string]string{
		"OPENAI_API_KEY": "sk-x",
	}), fakePoller{})

	if len(set.Providers) != 1 || set.Providers[0].ID() != config.ProviderOpenAI {
		t.Fatalf("providers = %v, want openai only", set.Providers)
	}
	want := map[string]bool{
		config.ProviderOpenRouter: true,
		config.ProviderClaudeAI:   true,
		config.ProviderClaudeCode: true,
	}
	if len(set.Unconfigured) != len(want) {
		t.Fatalf("unconfigured = %v", set.Unconfigured)
	}
	for _, id := range set.Unconfigured {
		if !want[id] {
			t.Errorf("unexpected unconfigured provider %s", id)
		}
	}
}

func TestClaudeCode_FetchWrapsIncrement(t *testing.T) {
	c := NewClaudeCode(fakePoller{inc: source.Increment{ParseErrors: 2}})
	raw, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if raw.Shape != ShapeLogRecords || raw.Increment == nil || raw.Increment.ParseErrors != 2 {
		t.Errorf("raw = %+v", raw)
	}
	if c.Kind() != KindLocal {
		t.Error("claude-code should be a local provider")
	}
}

func TestFetchEach_StampsKeyFingerprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"usage":1}}`))
	}))
	defer srv.Close()

	raw, err := NewOpenRouter([]string{"sk-a", "sk-b"}, srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(raw.Bodies) != 2 {
		t.Fatalf("bodies = %d, want 2", len(raw.Bodies))
	}
	a, b := raw.Bodies[0].Key, raw.Bodies[1].Key
	if a != KeyFingerprint("sk-a") || b != KeyFingerprint("sk-b") || a == b {
		t.Errorf("keys = %q, %q", a, b)
	}
	if strings.Contains(a, "sk-a") {
		t.Errorf("fingerprint leaks the key: %q", a)
	}
}
