package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Plan names accepted in budget.plan.
const (
	PlanAuto   = "auto"
	PlanCustom = "custom"
	PlanPro    = "pro"
	PlanMax5   = "max5"
	PlanMax20  = "max20"
)

// planLimits are per-session token budgets for the Claude subscription plans.
var planLimits = map[string]int64{
	PlanPro:   19_000,
	PlanMax5:  88_000,
	PlanMax20: 220_000,
}

// PlanInfo holds the resolved subscription plan.
type PlanInfo struct {
	Plan              string
	BillingType       string
	SessionTokenLimit int64
}

// DetectPlan reads .claude.json in claudeDir to determine the billing plan.
func DetectPlan(claudeDir string) PlanInfo {
	path := filepath.Join(claudeDir, ".claude.json")
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed from known claudeDir
	if err != nil {
		return PlanInfo{Plan: PlanPro, SessionTokenLimit: planLimits[PlanPro]}
	}

	var raw struct {
		BillingType string `json:"billingType"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return PlanInfo{Plan: PlanPro, SessionTokenLimit: planLimits[PlanPro]}
	}

	info := PlanInfo{BillingType: raw.BillingType}
	switch raw.BillingType {
	case "stripe_subscription":
		info.Plan = PlanMax5
	default:
		info.Plan = PlanPro
	}
	info.SessionTokenLimit = planLimits[info.Plan]
	return info
}

// ResolvePlan turns the budget section into a concrete plan, consulting
// claudeDir only for the auto plan. A zero limit disables exhaustion
// prediction.
func (b BudgetConfig) ResolvePlan(claudeDir string) PlanInfo {
	switch b.Plan {
	case PlanCustom:
		return PlanInfo{Plan: PlanCustom, SessionTokenLimit: b.SessionTokenLimit}
	case PlanAuto, "":
		info := DetectPlan(claudeDir)
		if b.SessionTokenLimit > 0 {
			info.SessionTokenLimit = b.SessionTokenLimit
		}
		return info
	default:
		return PlanInfo{Plan: b.Plan, SessionTokenLimit: planLimits[b.Plan]}
	}
}
