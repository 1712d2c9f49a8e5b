// Package budget implements the spending-limit policy for usage ledgers:
// soft/hard limit decisions, plan budget derivation, and the translation of
// remaining budget into a per-response output-token allowance.
package budget

import (
	"math"

	"github.com/solvia/usage-gateway/internal/pricing"
)

// Status of a ledger relative to its budget.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSoftLimit Status = "SOFT_LIMIT"
	StatusHardLimit Status = "HARD_LIMIT"
)

// Plan identifiers as stored on user profiles.
const (
	PlanFree    = "free"
	PlanPAYG    = "payg"
	PlanStarter = "starter"
)

// Snapshot is the ephemeral per-request view of a ledger's budget position.
// Derived on demand, never persisted.
type Snapshot struct {
	Available float64 `json:"available"`
	Budget    float64 `json:"budget_eur"`
	Used      float64 `json:"used"`
	Status    Status  `json:"status"`
}

// Policy holds the configured limits and rates. All methods are pure.
type Policy struct {
	Rates          pricing.Rates
	SoftLimitRatio float64 // e.g. 0.80
	MarginTarget   float64 // share of plan revenue spendable on AI cost

	MaxOutputTokens   int // absolute per-response ceiling
	SoftLimitTokenCap int // reduced ceiling while soft-limited
	MinOutputTokens   int // unconditional floor

	PAYGHourlyRate       float64
	StarterMonthlyPrice  float64
	StarterIncludedHours int
}

// IsSoftLimit reports whether usage has crossed the warning threshold.
// A non-positive budget is never "soft" limited; callers must always check
// IsHardLimit as well, which takes precedence.
func (p Policy) IsSoftLimit(estimatedCost, budget float64) bool {
	if budget <= 0 {
		return false
	}
	return estimatedCost/budget >= p.SoftLimitRatio
}

// IsHardLimit reports whether the budget is exhausted. A non-positive budget
// is always hard-limited regardless of cost.
func (p Policy) IsHardLimit(estimatedCost, budget float64) bool {
	if budget <= 0 {
		return true
	}
	return estimatedCost >= budget
}

// StatusFor recomputes a ledger status from its running cost and budget.
func (p Policy) StatusFor(estimatedCost, budget float64) Status {
	if p.IsHardLimit(estimatedCost, budget) {
		return StatusHardLimit
	}
	if p.IsSoftLimit(estimatedCost, budget) {
		return StatusSoftLimit
	}
	return StatusActive
}

// MaxTokensFor converts remaining budget into an output-token allowance at
// the configured output rate, clamped to the absolute ceiling. Returns 0 when
// no budget remains. Monotonically non-decreasing in availableBudget.
func (p Policy) MaxTokensFor(availableBudget float64) int {
	if availableBudget <= 0 {
		return 0
	}
	maxTokens := int(math.Floor(availableBudget / p.Rates.OutputPerMTok * 1_000_000))
	if maxTokens > p.MaxOutputTokens {
		return p.MaxOutputTokens
	}
	return maxTokens
}

// ResponseTokenLimit fixes the token allowance for one response before
// generation starts, from running cost alone. Under soft limit the ceiling is
// additionally capped; the floor is applied unconditionally so a response is
// never silently reduced to nothing while nominal budget remains. This is a
// conservative admission gate, not a guarantee of final cost.
func (p Policy) ResponseTokenLimit(estimatedCost, budget float64) (limit int, softLimited bool) {
	softLimited = p.IsSoftLimit(estimatedCost, budget)
	limit = p.MaxTokensFor(budget - estimatedCost)
	if softLimited && limit > p.SoftLimitTokenCap {
		limit = p.SoftLimitTokenCap
	}
	if limit < p.MinOutputTokens {
		limit = p.MinOutputTokens
	}
	return limit, softLimited
}

// PlanBudget computes the AI spend budget for a billing period from the
// plan's pricing model: revenue attributable to the period times the margin
// target. Unknown plans get no budget.
func (p Policy) PlanBudget(plan string, billableMinutes int) float64 {
	switch plan {
	case PlanPAYG:
		return float64(billableMinutes) / 60 * p.PAYGHourlyRate * p.MarginTarget
	case PlanStarter:
		includedMinutes := p.StarterIncludedHours * 60
		if billableMinutes <= includedMinutes {
			return p.StarterMonthlyPrice * p.MarginTarget
		}
		overageMinutes := billableMinutes - includedMinutes
		overageBudget := float64(overageMinutes) / 60 * p.PAYGHourlyRate * p.MarginTarget
		return p.StarterMonthlyPrice*p.MarginTarget + overageBudget
	default:
		return 0
	}
}

// SnapshotFor derives the ephemeral budget view from ledger figures.
// Available never goes negative.
func (p Policy) SnapshotFor(estimatedCost, budget float64) Snapshot {
	available := budget - estimatedCost
	if available < 0 {
		available = 0
	}
	return Snapshot{
		Available: available,
		Budget:    budget,
		Used:      estimatedCost,
		Status:    p.StatusFor(estimatedCost, budget),
	}
}
