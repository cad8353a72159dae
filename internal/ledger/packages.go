package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/basilica-network/basilica/internal/domain"
)

// Package describes a billing package's per-GPU-hour rate and display
// name. Rates are USD per GPU-hour, which is also credits per GPU-hour
// since a credit is defined as 1 USD.
type Package struct {
	ID          domain.PackageId
	Name        string
	RatePerHour decimal.Decimal
}

// PricingRules mirrors the fixed per-model rates of the original billing
// engine. CUSTOM packages carry a zero base rate and are expected to be
// priced entirely through VolumeDiscountTiers / negotiated overrides kept
// elsewhere.
var PricingRules = map[domain.PackageId]decimal.Decimal{
	domain.PackageH100:   decimal.NewFromFloat(3.5),
	domain.PackageH200:   decimal.NewFromFloat(5.0),
	domain.PackageCustom: decimal.Zero,
}

// DiscountTier is one step of the volume discount ladder: usage beyond
// MinGPUHours earns Discount off the base cost.
type DiscountTier struct {
	MinGPUHours decimal.Decimal
	Discount    decimal.Decimal
}

// VolumeDiscountTiers is the default ladder: more than 1000 GPU-hours in a
// billing period earns 10% off, more than 500 earns 5%, otherwise no
// discount. A deployment overrides this default via SetVolumeDiscountTiers,
// fed from cmd/billing's config file (see DESIGN.md: the original treated
// tiers as configuration while the billing engine hard-coded them, so
// SPEC_FULL.md resolves the conflict in favor of configuration).
var VolumeDiscountTiers = []DiscountTier{
	{MinGPUHours: decimal.NewFromInt(1000), Discount: decimal.NewFromFloat(0.10)},
	{MinGPUHours: decimal.NewFromInt(500), Discount: decimal.NewFromFloat(0.05)},
}

// SetVolumeDiscountTiers replaces the volume discount ladder. tiers must be
// sorted by descending MinGPUHours, matching CalculateVolumeDiscount's
// first-match-wins scan; an empty slice disables volume discounting
// entirely.
func SetVolumeDiscountTiers(tiers []DiscountTier) {
	VolumeDiscountTiers = tiers
}

// CalculateVolumeDiscount returns the discount fraction (0-1) earned by
// gpuHours of usage in a single billing period.
func CalculateVolumeDiscount(gpuHours decimal.Decimal) decimal.Decimal {
	for _, tier := range VolumeDiscountTiers {
		if gpuHours.GreaterThan(tier.MinGPUHours) {
			return tier.Discount
		}
	}
	return decimal.Zero
}

// CalculateCost prices usage against pkg's rate, applying the volume
// discount earned by the GPU-hours in this evaluation. This package has no
// separate flat per-period fee, so the entire metered charge is carried as
// UsageCost and BaseCost is zero.
func CalculateCost(pkg Package, usage domain.UsageMetrics) domain.CostBreakdown {
	usageCost := pkg.RatePerHour.Mul(usage.GPUHours).Round(6)
	discountFraction := CalculateVolumeDiscount(usage.GPUHours)
	discountAmount := usageCost.Mul(discountFraction).Round(6)

	breakdown := domain.CostBreakdown{
		UsageCost: domain.BalanceFromDecimal(usageCost),
		Discounts: domain.BalanceFromDecimal(discountAmount),
	}
	breakdown.TotalCost = breakdown.CalculateTotal()
	return breakdown
}

// PackageFor looks up the fixed rate for a built-in package id. Custom
// packages resolve to a zero rate here; callers price CUSTOM accounts from
// a per-user override instead.
func PackageFor(id domain.PackageId) Package {
	name := string(id)
	return Package{
		ID:          id,
		Name:        name,
		RatePerHour: PricingRules[id],
	}
}
