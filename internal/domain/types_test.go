package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditBalanceArithmetic(t *testing.T) {
	b1, err := BalanceFromString("100.5")
	require.NoError(t, err)
	b2, err := BalanceFromString("50.25")
	require.NoError(t, err)

	sum := b1.Add(b2)
	assert.Equal(t, "150.75", sum.String())

	diff, ok := b1.Subtract(b2)
	require.True(t, ok)
	assert.Equal(t, "50.25", diff.String())

	_, ok = b2.Subtract(b1)
	assert.False(t, ok, "subtracting a larger balance must underflow, not wrap")
}

func TestCreditBalanceRoundsToSixPlaces(t *testing.T) {
	b, err := BalanceFromString("1.0000001")
	require.NoError(t, err)
	assert.Equal(t, "1", b.String())

	b2 := BalanceFromDecimal(decimal.NewFromFloat(0.1).Add(decimal.NewFromFloat(0.2)))
	assert.True(t, b2.IsSufficient(ZeroBalance()))
}

func TestRentalStateTransitions(t *testing.T) {
	assert.True(t, RentalPending.CanTransitionTo(RentalProvisioning))
	assert.True(t, RentalProvisioning.CanTransitionTo(RentalActive))
	assert.True(t, RentalActive.CanTransitionTo(RentalStopping))
	assert.True(t, RentalStopping.CanTransitionTo(RentalStopped))
	assert.True(t, RentalActive.CanTransitionTo(RentalFailed))
	assert.True(t, RentalPending.CanTransitionTo(RentalFailed))
	assert.False(t, RentalStopped.CanTransitionTo(RentalActive))
	assert.False(t, RentalActive.CanTransitionTo(RentalPending))
	assert.True(t, RentalActive.IsActive())
	assert.True(t, RentalStopped.IsTerminal())
	assert.True(t, RentalFailed.IsTerminal())
}

func TestBillingPeriodCalculations(t *testing.T) {
	start := time.Now()
	end := start.Add(25 * time.Hour)

	assert.Equal(t, uint64(25), BillingHourly.CalculatePeriods(start, end))
	assert.Equal(t, uint64(2), BillingDaily.CalculatePeriods(start, end))
}

func TestCostBreakdownCalculateTotal(t *testing.T) {
	base, _ := BalanceFromString("10")
	usage, _ := BalanceFromString("5")
	discount, _ := BalanceFromString("2")

	cb := CostBreakdown{
		BaseCost:  base,
		UsageCost: usage,
		Discounts: discount,
	}
	total := cb.CalculateTotal()
	assert.Equal(t, "13", total.String())
}
