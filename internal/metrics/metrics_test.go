package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSetStatus_OneHot(t *testing.T) {
	all := []string{"ACTIVE", "ERROR", "RATE_LIMITED"}

	SetStatus("openai", "ERROR", all)
	require.Equal(t, 1.0, testutil.ToFloat64(ProviderStatus.WithLabelValues("openai", "ERROR")))
	require.Equal(t, 0.0, testutil.ToFloat64(ProviderStatus.WithLabelValues("openai", "ACTIVE")))

	SetStatus("openai", "ACTIVE", all)
	require.Equal(t, 0.0, testutil.ToFloat64(ProviderStatus.WithLabelValues("openai", "ERROR")))
	require.Equal(t, 1.0, testutil.ToFloat64(ProviderStatus.WithLabelValues("openai", "ACTIVE")))
}
