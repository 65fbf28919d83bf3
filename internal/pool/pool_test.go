package pool_test

import (
	"testing"

	"CreditLedger/internal/ledger"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lp   = common.HexToAddress("0x0000000000000000000000000000000000002001")
	posA = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newTestPool(t *testing.T, liquidity uint64) (*pool.Pool, *ledger.BalanceTracker, *undo.Log) {
	t.Helper()
	log := undo.New()
	tracker := ledger.NewBalanceTracker(log, ledger.NewJournalGenerator(1, log))
	p := pool.New(tracker, log, usdc, pool.DefaultInterestModel, u(1_000_000))
	if liquidity > 0 {
		require.NoError(t, tracker.Mint(ledger.NewUserAccountKey(lp, usdc), u(liquidity)))
		require.NoError(t, p.Supply(lp, u(liquidity), 0))
	}
	return p, tracker, log
}

// ============================================================================
// Test: interest model
// ============================================================================

func TestInterestModel_Kinked(t *testing.T) {
	m := pool.DefaultInterestModel

	assert.Equal(t, uint64(200), m.BorrowRate(0))
	// 2% + 15% * 0.5
	assert.Equal(t, uint64(950), m.BorrowRate(5_000))
	// 2% + 15% * 0.8
	assert.Equal(t, uint64(1_400), m.BorrowRate(8_000))
	// 14% + 60% * 0.2
	assert.Equal(t, uint64(2_600), m.BorrowRate(10_000))
}

func TestInterestModel_Validate(t *testing.T) {
	require.NoError(t, pool.DefaultInterestModel.Validate())
	require.ErrorIs(t, pool.InterestModel{Kink: 0}.Validate(), pool.ErrInvalidInterestModel)
	require.ErrorIs(t, pool.InterestModel{Kink: 5_000, Slope1: 10, Slope2: 5}.Validate(), pool.ErrInvalidInterestModel)
}

func TestUtilisation(t *testing.T) {
	assert.Equal(t, uint64(0), pool.Utilisation(u(0), u(100)))
	assert.Equal(t, uint64(2_500), pool.Utilisation(u(25), u(75)))
	assert.Equal(t, uint64(10_000), pool.Utilisation(u(10), u(0)))
}

// ============================================================================
// Test: lending
// ============================================================================

func TestPool_LendMovesLiquidity(t *testing.T) {
	p, tracker, _ := newTestPool(t, 10_000)

	require.NoError(t, p.Lend(u(5_000), posA, 0))

	assert.Equal(t, uint64(5_000), tracker.GetBalance(ledger.NewPositionAccountKey(posA, usdc)).Uint64())
	assert.Equal(t, uint64(5_000), p.AvailableLiquidity().Uint64())
	assert.Equal(t, uint64(5_000), p.TotalBorrowed().Uint64())
	assert.Equal(t, uint64(5_000), p.Utilisation())
}

func TestPool_LendBeyondLiquidity(t *testing.T) {
	p, _, _ := newTestPool(t, 1_000)
	require.ErrorIs(t, p.Lend(u(1_001), posA, 0), pool.ErrInsufficientLiquidity)
}

func TestPool_LendBeyondCreditLimit(t *testing.T) {
	p, _, _ := newTestPool(t, 10_000)
	p.SetCreditLimit(u(100))
	require.ErrorIs(t, p.Lend(u(101), posA, 0), pool.ErrCreditLimitExceeded)
}

func TestPool_IndexGrowsAtBorrowRate(t *testing.T) {
	p, _, _ := newTestPool(t, 10_000)
	require.NoError(t, p.Lend(u(5_000), posA, 0))

	// 50% utilisation prices at 9.5% a year
	year := int64(fpmath.SecondsPerYear)
	want := fpmath.MustMulDiv(fpmath.RAY, u(10_950), u(10_000), fpmath.RoundDown)
	assert.Equal(t, want, p.BaseInterestIndex(year))
	assert.Equal(t, fpmath.RAY, p.BaseInterestIndex(0), "reads do not checkpoint")
}

// ============================================================================
// Test: repayment
// ============================================================================

func TestPool_RepaySplitsProfit(t *testing.T) {
	p, tracker, _ := newTestPool(t, 10_000)
	require.NoError(t, p.Lend(u(5_000), posA, 0))

	// principal 5000 plus 100 profit arrive at the pool
	require.NoError(t, tracker.Transfer(ledger.NewPositionAccountKey(posA, usdc), ledger.NewPoolAccountKey(usdc), u(5_000), ledger.JournalTypeRepay))
	require.NoError(t, tracker.Mint(ledger.NewPoolAccountKey(usdc), u(100)))
	require.NoError(t, p.Repay(u(5_000), u(100), u(0), 10))

	assert.True(t, p.TotalBorrowed().IsZero())
	assert.Equal(t, uint64(100), tracker.GetBalance(ledger.NewTreasuryAccountKey(usdc)).Uint64())
	assert.Equal(t, uint64(10_000), p.AvailableLiquidity().Uint64())
}

func TestPool_LossCoveredByTreasuryThenRecorded(t *testing.T) {
	p, tracker, _ := newTestPool(t, 10_000)
	require.NoError(t, p.Lend(u(5_000), posA, 0))
	require.NoError(t, tracker.Mint(ledger.NewTreasuryAccountKey(usdc), u(300)))

	require.NoError(t, tracker.Transfer(ledger.NewPositionAccountKey(posA, usdc), ledger.NewPoolAccountKey(usdc), u(4_500), ledger.JournalTypeRepay))
	require.NoError(t, p.Repay(u(5_000), u(0), u(500), 10))

	assert.True(t, tracker.GetBalance(ledger.NewTreasuryAccountKey(usdc)).IsZero())
	assert.Equal(t, uint64(200), p.TotalLoss().Uint64())
	assert.Equal(t, uint64(9_800), p.AvailableLiquidity().Uint64())
}

func TestPool_WithdrawBoundedByDeposit(t *testing.T) {
	p, tracker, _ := newTestPool(t, 1_000)

	require.ErrorIs(t, p.Withdraw(lp, u(1_001), 0), pool.ErrWithdrawTooLarge)
	require.NoError(t, p.Withdraw(lp, u(400), 0))
	assert.Equal(t, uint64(400), tracker.GetBalance(ledger.NewUserAccountKey(lp, usdc)).Uint64())
}

func TestPool_RevertRestoresState(t *testing.T) {
	p, tracker, log := newTestPool(t, 10_000)

	id := log.Snapshot()
	require.NoError(t, p.Lend(u(5_000), posA, 100))
	log.RevertTo(id)

	assert.True(t, p.TotalBorrowed().IsZero())
	assert.Equal(t, uint64(10_000), p.AvailableLiquidity().Uint64())
	assert.True(t, tracker.GetBalance(ledger.NewPositionAccountKey(posA, usdc)).IsZero())
	assert.Equal(t, p.Snapshot().BorrowRate, pool.DefaultInterestModel.BorrowRate(0))
}
