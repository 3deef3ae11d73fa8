package scheduler

import (
	"time"

	"github.com/theirongolddev/spendwatch/internal/model"
	"github.com/theirongolddev/spendwatch/internal/provider"
)

// ProviderStatus is the scheduler's view of one provider.
type ProviderStatus struct {
	ProviderID          string        `json:"provider_id"`
	Kind                string        `json:"kind"`
	Status              model.Status  `json:"status"`
	Interval            time.Duration `json:"interval"`
	LastAttempt         time.Time     `json:"last_attempt,omitempty"`
	LastSuccess         time.Time     `json:"last_success,omitempty"`
	NextAttempt         time.Time     `json:"next_attempt,omitempty"`
	RetryAt             time.Time     `json:"retry_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

func kindName(k provider.Kind) string {
	if k == provider.KindLocal {
		return "local"
	}
	return "remote"
}

// AllStatuses lists every status value, for metrics.
var AllStatuses = []string{
	string(model.StatusActive),
	string(model.StatusRateLimited),
	string(model.StatusError),
	string(model.StatusUnconfigured),
}
