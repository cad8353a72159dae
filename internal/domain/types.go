// Package domain holds the shared value types used across the billing,
// payments, and rental subsystems: identifiers, credit balances, and the
// rental/billing-period enums. Keeping these in one package avoids import
// cycles between internal/ledger, internal/rental, internal/outbox, and
// internal/billingrpc, which all need to talk about the same account and
// rental.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserId identifies a billing customer (issued by the outer auth system).
type UserId string

func (u UserId) String() string { return string(u) }

// RentalId identifies a GPU rental.
type RentalId string

// NewRentalId generates a fresh rental identifier.
func NewRentalId() RentalId { return RentalId(uuid.New().String()) }

func (r RentalId) String() string { return string(r) }

// ReservationId identifies a credit reservation.
type ReservationId string

// NewReservationId generates a fresh reservation identifier.
func NewReservationId() ReservationId { return ReservationId(uuid.New().String()) }

func (r ReservationId) String() string { return string(r) }

// PackageId identifies a billing package (e.g. "h100", "h200", "custom").
type PackageId string

const (
	PackageH100   PackageId = "h100"
	PackageH200   PackageId = "h200"
	PackageCustom PackageId = "custom"
)

func (p PackageId) String() string { return string(p) }

// creditDecimalPlaces is the fixed scale credit balances round to after every
// arithmetic operation (micro-credits).
const creditDecimalPlaces = 6

// CreditBalance is a non-negative, fixed-point credit amount. All arithmetic
// rounds to 6 decimal places; Subtract signals underflow explicitly via its
// bool return rather than wrapping or going negative.
type CreditBalance struct {
	amount decimal.Decimal
}

// ZeroBalance returns a zero credit balance.
func ZeroBalance() CreditBalance {
	return CreditBalance{amount: decimal.Zero}
}

// BalanceFromDecimal rounds amount to the ledger's fixed scale.
func BalanceFromDecimal(amount decimal.Decimal) CreditBalance {
	return CreditBalance{amount: amount.Round(creditDecimalPlaces)}
}

// BalanceFromString parses a decimal string into a CreditBalance.
func BalanceFromString(s string) (CreditBalance, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return CreditBalance{}, fmt.Errorf("parse credit balance: %w", err)
	}
	return BalanceFromDecimal(d), nil
}

// Decimal returns the underlying decimal value.
func (b CreditBalance) Decimal() decimal.Decimal { return b.amount }

// String renders the balance using its natural decimal representation.
func (b CreditBalance) String() string { return b.amount.String() }

// Add returns b+other, rounded to the ledger scale.
func (b CreditBalance) Add(other CreditBalance) CreditBalance {
	return BalanceFromDecimal(b.amount.Add(other.amount))
}

// Subtract returns (b-other, true) when b >= other, or (zero, false) on
// underflow. Callers must check the bool rather than assume success.
func (b CreditBalance) Subtract(other CreditBalance) (CreditBalance, bool) {
	if b.amount.LessThan(other.amount) {
		return ZeroBalance(), false
	}
	return BalanceFromDecimal(b.amount.Sub(other.amount)), true
}

// Multiply scales the balance by a factor (e.g. hourly_rate * gpu_hours).
func (b CreditBalance) Multiply(factor decimal.Decimal) CreditBalance {
	return BalanceFromDecimal(b.amount.Mul(factor))
}

// IsSufficient reports whether b covers required.
func (b CreditBalance) IsSufficient(required CreditBalance) bool {
	return b.amount.GreaterThanOrEqual(required.amount)
}

// IsZero reports whether the balance is exactly zero.
func (b CreditBalance) IsZero() bool { return b.amount.IsZero() }

// RentalState enumerates the rental lifecycle states (spec.md §3/§4.11:
// Pending -> Provisioning -> Active -> Stopping -> Stopped, with Failed
// reachable from any non-terminal state).
type RentalState string

const (
	RentalPending      RentalState = "pending"
	RentalProvisioning RentalState = "provisioning"
	RentalActive       RentalState = "active"
	RentalStopping     RentalState = "stopping"
	RentalStopped      RentalState = "stopped"
	RentalFailed       RentalState = "failed"
)

// IsActive reports whether the rental is occupying resources (billable).
func (s RentalState) IsActive() bool {
	return s == RentalActive
}

// IsTerminal reports whether the rental has reached a final state.
func (s RentalState) IsTerminal() bool {
	return s == RentalStopped || s == RentalFailed
}

// rentalTransitions enumerates every legal (from, to) pair. Failed is
// reachable from any non-terminal state and is added to every entry below
// rather than hard-coded per row.
var rentalTransitions = map[RentalState]map[RentalState]bool{
	RentalPending:      {RentalProvisioning: true},
	RentalProvisioning: {RentalActive: true},
	RentalActive:       {RentalStopping: true},
	RentalStopping:     {RentalStopped: true},
}

func init() {
	for from, tos := range rentalTransitions {
		_ = from
		tos[RentalFailed] = true
	}
}

// CanTransitionTo reports whether s -> next is a legal state transition.
func (s RentalState) CanTransitionTo(next RentalState) bool {
	return rentalTransitions[s][next]
}

// BillingPeriod is the unit a package's hourly_rate is billed over.
type BillingPeriod string

const (
	BillingHourly  BillingPeriod = "hourly"
	BillingDaily   BillingPeriod = "daily"
	BillingWeekly  BillingPeriod = "weekly"
	BillingMonthly BillingPeriod = "monthly"
)

// Duration returns the nominal duration of one billing period.
func (p BillingPeriod) Duration() time.Duration {
	switch p {
	case BillingDaily:
		return 24 * time.Hour
	case BillingWeekly:
		return 7 * 24 * time.Hour
	case BillingMonthly:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// CalculatePeriods returns the number of whole-or-partial periods between
// start and end, rounded up.
func (p BillingPeriod) CalculatePeriods(start, end time.Time) uint64 {
	elapsed := end.Sub(start)
	periodDur := p.Duration()
	if elapsed <= 0 {
		return 0
	}
	periods := float64(elapsed) / float64(periodDur)
	whole := uint64(periods)
	if float64(whole) < periods {
		whole++
	}
	return whole
}

// ResourceSpec describes the hardware a rental reserves.
type ResourceSpec struct {
	GPUCount  uint32
	GPUModel  string
	CPUCores  uint32
	MemoryGB  uint32
	StorageGB uint32
}

// UsageMetrics accumulates billable resource consumption over a window.
type UsageMetrics struct {
	GPUHours       decimal.Decimal
	CPUHours       decimal.Decimal
	MemoryGBHours  decimal.Decimal
	StorageGBHours decimal.Decimal
	NetworkGB      decimal.Decimal
	DiskIOGB       decimal.Decimal
}

// ZeroUsage returns a zeroed UsageMetrics.
func ZeroUsage() UsageMetrics {
	return UsageMetrics{
		GPUHours:       decimal.Zero,
		CPUHours:       decimal.Zero,
		MemoryGBHours:  decimal.Zero,
		StorageGBHours: decimal.Zero,
		NetworkGB:      decimal.Zero,
		DiskIOGB:       decimal.Zero,
	}
}

// Add accumulates other into a new UsageMetrics.
func (u UsageMetrics) Add(other UsageMetrics) UsageMetrics {
	return UsageMetrics{
		GPUHours:       u.GPUHours.Add(other.GPUHours),
		CPUHours:       u.CPUHours.Add(other.CPUHours),
		MemoryGBHours:  u.MemoryGBHours.Add(other.MemoryGBHours),
		StorageGBHours: u.StorageGBHours.Add(other.StorageGBHours),
		NetworkGB:      u.NetworkGB.Add(other.NetworkGB),
		DiskIOGB:       u.DiskIOGB.Add(other.DiskIOGB),
	}
}

// CostBreakdown itemizes how a charge was derived, for operator transparency.
type CostBreakdown struct {
	BaseCost       CreditBalance
	UsageCost      CreditBalance
	Discounts      CreditBalance
	OverageCharges CreditBalance
	TotalCost      CreditBalance
}

// CalculateTotal derives TotalCost from the other fields, floored at zero.
func (c CostBreakdown) CalculateTotal() CreditBalance {
	subtotal := c.BaseCost.Add(c.UsageCost).Add(c.OverageCharges)
	total, ok := subtotal.Subtract(c.Discounts)
	if !ok {
		return ZeroBalance()
	}
	return total
}
