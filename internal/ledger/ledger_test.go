package ledger

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basilica-network/basilica/infrastructure/errors"
	"github.com/basilica-network/basilica/internal/domain"
)

func dollars(s string) domain.CreditBalance {
	b, err := domain.BalanceFromString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestApplyCreditsIncreasesBalance(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	balance, err := mgr.ApplyCredits(ctx, "u1", dollars("10"))
	require.NoError(t, err)
	assert.Equal(t, "10", balance.String())

	balance, err = mgr.ApplyCredits(ctx, "u1", dollars("5.5"))
	require.NoError(t, err)
	assert.Equal(t, "15.5", balance.String())
}

func TestApplyCreditsAdministrativeDebitToExactlyZero(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("10"))
	require.NoError(t, err)

	balance, err := mgr.ApplyCredits(ctx, "u1", dollars("-10"))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
}

func TestApplyCreditsRejectsDebitBelowZero(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("10"))
	require.NoError(t, err)

	_, err = mgr.ApplyCredits(ctx, "u1", dollars("-10.01"))
	require.Error(t, err)
	var svcErr *errors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, errors.ErrCodeInsufficientBalance, svcErr.Code)
}

func TestApplyCreditsRejectsDebitBelowReserved(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("10"))
	require.NoError(t, err)
	_, err = mgr.ReserveCredits(ctx, "u1", dollars("4"), time.Hour, nil)
	require.NoError(t, err)

	_, err = mgr.ApplyCredits(ctx, "u1", dollars("-7"))
	require.Error(t, err)

	account, err := mgr.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "10", account.Balance.String())
}

func TestApplyCreditsIdempotentRejectsDebitBelowZero(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, _, err := mgr.ApplyCreditsIdempotent(ctx, "u1", dollars("10"), "tx-1")
	require.NoError(t, err)

	_, _, err = mgr.ApplyCreditsIdempotent(ctx, "u1", dollars("-10.01"), "tx-2")
	require.Error(t, err)
}

func TestReserveCreditsFailsWhenInsufficient(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("5"))
	require.NoError(t, err)

	_, err = mgr.ReserveCredits(ctx, "u1", dollars("10"), time.Hour, nil)
	require.Error(t, err)
	svcErr := errors.GetServiceError(err)
	require.NotNil(t, svcErr)
	assert.Equal(t, errors.ErrCodeInsufficientBalance, svcErr.Code)
}

func TestReserveThenChargeFromReservation(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("100"))
	require.NoError(t, err)

	resID, err := mgr.ReserveCredits(ctx, "u1", dollars("20"), time.Hour, nil)
	require.NoError(t, err)

	account, err := mgr.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "20", account.Reserved.String())
	assert.Equal(t, "80", account.AvailableBalance().String())

	balance, err := mgr.ChargeFromReservation(ctx, resID, dollars("15"))
	require.NoError(t, err)
	assert.Equal(t, "85", balance.String())

	account, err = mgr.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0", account.Reserved.String())
	assert.Equal(t, "15", account.LifetimeSpent.String())
}

func TestReleaseReservationReturnsCreditsWithoutCharging(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("50"))
	require.NoError(t, err)

	resID, err := mgr.ReserveCredits(ctx, "u1", dollars("30"), time.Hour, nil)
	require.NoError(t, err)

	released, err := mgr.ReleaseReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, "30", released.String())

	account, err := mgr.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0", account.Reserved.String())
	assert.Equal(t, "50", account.Balance.String())
}

func TestReleaseReservationTwiceFails(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("50"))
	require.NoError(t, err)

	resID, err := mgr.ReserveCredits(ctx, "u1", dollars("10"), time.Hour, nil)
	require.NoError(t, err)

	_, err = mgr.ReleaseReservation(ctx, resID)
	require.NoError(t, err)

	_, err = mgr.ReleaseReservation(ctx, resID)
	require.Error(t, err, "I4: a released reservation cannot be released again")
}

func TestChargeCreditsFailsWhenInsufficient(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("5"))
	require.NoError(t, err)

	_, err = mgr.ChargeCredits(ctx, "u1", dollars("10"))
	require.Error(t, err)
}

func TestCleanupExpiredReservationsReturnsCredits(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()

	_, err := mgr.ApplyCredits(ctx, "u1", dollars("50"))
	require.NoError(t, err)

	_, err = mgr.ReserveCredits(ctx, "u1", dollars("10"), -time.Minute, nil)
	require.NoError(t, err)

	count, err := mgr.CleanupExpiredReservations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	account, err := mgr.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "0", account.Reserved.String())
}

// TestLedgerInvariantsHoldAcrossRandomOperationSequences is a property test
// over I1 (balance >= reserved >= 0), I3 (available = balance - reserved),
// and I6 (sum of active reservation amounts == account.reserved). It fires a
// random sequence of apply/reserve/release/charge operations at a single
// account and re-checks all three invariants after every op.
func TestLedgerInvariantsHoldAcrossRandomOperationSequences(t *testing.T) {
	mgr := NewManager(NewFakeRepository())
	ctx := context.Background()
	const userID = domain.UserId("property-user")

	rng := rand.New(rand.NewSource(42))
	var liveReservations []domain.ReservationId

	_, err := mgr.ApplyCredits(ctx, userID, dollars("1000"))
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0:
			_, _ = mgr.ApplyCredits(ctx, userID, dollars("1"))
		case 1:
			resID, err := mgr.ReserveCredits(ctx, userID, dollars("1"), time.Hour, nil)
			if err == nil {
				liveReservations = append(liveReservations, resID)
			}
		case 2:
			if len(liveReservations) > 0 {
				idx := rng.Intn(len(liveReservations))
				_, _ = mgr.ReleaseReservation(ctx, liveReservations[idx])
				liveReservations = append(liveReservations[:idx], liveReservations[idx+1:]...)
			}
		case 3:
			if len(liveReservations) > 0 {
				idx := rng.Intn(len(liveReservations))
				_, _ = mgr.ChargeFromReservation(ctx, liveReservations[idx], dollars("0.5"))
				liveReservations = append(liveReservations[:idx], liveReservations[idx+1:]...)
			}
		}

		account, err := mgr.GetAccount(ctx, userID)
		require.NoError(t, err)

		// I1: balance >= reserved >= 0.
		assert.True(t, account.Balance.Decimal().GreaterThanOrEqual(account.Reserved.Decimal()))
		assert.False(t, account.Reserved.Decimal().IsNegative())

		// I3: available = balance - reserved.
		expectedAvailable, ok := account.Balance.Subtract(account.Reserved)
		require.True(t, ok)
		assert.Equal(t, expectedAvailable.String(), account.AvailableBalance().String())

		// I6: sum of active reservation amounts == account.reserved.
		active, err := mgr.GetActiveReservations(ctx, userID)
		require.NoError(t, err)
		sum := domain.ZeroBalance()
		for _, r := range active {
			sum = sum.Add(r.Amount)
		}
		assert.Equal(t, account.Reserved.String(), sum.String())
	}
}
