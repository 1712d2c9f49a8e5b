package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solvia/usage-gateway/internal/pricing"
)

func testPolicy() Policy {
	return Policy{
		Rates:                pricing.Rates{InputPerMTok: 0.10, OutputPerMTok: 0.40},
		SoftLimitRatio:       0.80,
		MarginTarget:         0.50,
		MaxOutputTokens:      8192,
		SoftLimitTokenCap:    1024,
		MinOutputTokens:      256,
		PAYGHourlyRate:       10,
		StarterMonthlyPrice:  100,
		StarterIncludedHours: 15,
	}
}

func TestIsHardLimit(t *testing.T) {
	p := testPolicy()

	// Non-positive budget is always hard-limited, regardless of cost.
	assert.True(t, p.IsHardLimit(0, 0))
	assert.True(t, p.IsHardLimit(0, -1))
	assert.True(t, p.IsHardLimit(100, 0))

	assert.True(t, p.IsHardLimit(10.00, 10))
	assert.True(t, p.IsHardLimit(11, 10))
	assert.False(t, p.IsHardLimit(9.99, 10))
}

func TestIsSoftLimit(t *testing.T) {
	p := testPolicy()

	// Never soft-limited on a non-positive budget; hard limit covers that.
	assert.False(t, p.IsSoftLimit(5, 0))
	assert.False(t, p.IsSoftLimit(5, -2))
	assert.True(t, p.IsHardLimit(5, 0))

	assert.True(t, p.IsSoftLimit(8.00, 10))
	assert.True(t, p.IsSoftLimit(8.50, 10))
	assert.False(t, p.IsSoftLimit(7.99, 10))
}

func TestStatusFor_HardTakesPrecedence(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, StatusHardLimit, p.StatusFor(10, 10))
	assert.Equal(t, StatusSoftLimit, p.StatusFor(8.5, 10))
	assert.Equal(t, StatusActive, p.StatusFor(1, 10))
	assert.Equal(t, StatusHardLimit, p.StatusFor(0, 0))
}

func TestMaxTokensFor(t *testing.T) {
	p := testPolicy()

	assert.Zero(t, p.MaxTokensFor(0))
	assert.Zero(t, p.MaxTokensFor(-5))

	// 10 EUR at 0.40/1M raw allowance is 25,000,000 tokens, clamped to 8192.
	assert.Equal(t, 8192, p.MaxTokensFor(10))

	// Below the ceiling: 0.001 EUR buys 2500 tokens at 0.40/1M.
	assert.Equal(t, 2500, p.MaxTokensFor(0.001))
}

func TestMaxTokensFor_Monotonic(t *testing.T) {
	p := testPolicy()
	prev := 0
	for _, b := range []float64{0, 0.0001, 0.0005, 0.001, 0.002, 0.003, 0.01, 0.1, 1, 10, 100} {
		got := p.MaxTokensFor(b)
		require.GreaterOrEqual(t, got, prev, "allowance must not decrease at budget %v", b)
		require.LessOrEqual(t, got, p.MaxOutputTokens)
		prev = got
	}
}

func TestResponseTokenLimit_SoftCap(t *testing.T) {
	p := testPolicy()

	// 8.50 of 10 spent: ratio 0.85, soft-limited, cap to 1024.
	limit, soft := p.ResponseTokenLimit(8.50, 10)
	assert.True(t, soft)
	assert.Equal(t, 1024, limit)

	// Healthy budget: full ceiling.
	limit, soft = p.ResponseTokenLimit(1, 10)
	assert.False(t, soft)
	assert.Equal(t, 8192, limit)
}

func TestResponseTokenLimit_Floor(t *testing.T) {
	p := testPolicy()

	// Nearly exhausted but not hard-limited: the floor keeps the response usable.
	limit, _ := p.ResponseTokenLimit(9.9999, 10)
	assert.Equal(t, 256, limit)
}

func TestPlanBudget(t *testing.T) {
	p := testPolicy()

	// payg: 60 minutes at 10 EUR/h with 0.5 margin.
	assert.InDelta(t, 5.0, p.PlanBudget(PlanPAYG, 60), 1e-9)

	// starter within included hours: flat monthly price times margin.
	assert.InDelta(t, 50.0, p.PlanBudget(PlanStarter, 15*60), 1e-9)

	// starter with 60 minutes of overage.
	assert.InDelta(t, 55.0, p.PlanBudget(PlanStarter, 16*60), 1e-9)

	// Unknown and free plans get nothing.
	assert.Zero(t, p.PlanBudget(PlanFree, 600))
	assert.Zero(t, p.PlanBudget("enterprise", 600))
}

func TestSnapshotFor(t *testing.T) {
	p := testPolicy()

	s := p.SnapshotFor(8.5, 10)
	assert.InDelta(t, 1.5, s.Available, 1e-9)
	assert.Equal(t, StatusSoftLimit, s.Status)

	// Overspent ledgers report zero available, not negative.
	s = p.SnapshotFor(12, 10)
	assert.Zero(t, s.Available)
	assert.Equal(t, StatusHardLimit, s.Status)
}
