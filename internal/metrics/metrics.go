// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Polling metrics
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendwatch_fetches_total",
			Help: "Provider fetch attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spendwatch_fetch_duration_seconds",
			Help:    "Provider fetch duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	ProviderStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendwatch_provider_status",
			Help: "1 for the provider's current status, 0 otherwise",
		},
		[]string{"provider", "status"},
	)

	ConsecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendwatch_provider_consecutive_failures",
			Help: "Consecutive failed fetches per provider",
		},
		[]string{"provider"},
	)

	// Ingest metrics
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendwatch_events_total",
			Help: "Normalized usage events by dedup result",
		},
		[]string{"provider", "result"},
	)

	RecordErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendwatch_record_errors_total",
			Help: "Records dropped or flagged during normalization",
		},
		[]string{"provider", "kind"},
	)

	CostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendwatch_cost_usd_total",
			Help: "Cost of accepted usage events in USD",
		},
		[]string{"provider"},
	)

	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendwatch_tokens_total",
			Help: "Tokens of accepted usage events",
		},
		[]string{"provider"},
	)

	// Session metrics
	SessionTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendwatch_session_tokens",
			Help: "Tokens used in the active session",
		},
		[]string{"provider"},
	)

	BurnRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendwatch_session_tokens_per_minute",
			Help: "Burn rate of the active session",
		},
		[]string{"provider"},
	)

	DedupIdentities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spendwatch_dedup_identities",
			Help: "Identities held by the dedup store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FetchesTotal,
		FetchDuration,
		ProviderStatus,
		ConsecutiveFailures,
		EventsTotal,
		RecordErrors,
		CostUSD,
		TokensTotal,
		SessionTokens,
		BurnRate,
		DedupIdentities,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetStatus marks status as the provider's only active status.
func SetStatus(provider string, status string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		ProviderStatus.WithLabelValues(provider, s).Set(v)
	}
}
