package manager_test

import (
	"testing"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/ledger"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/manager"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"
	"CreditLedger/internal/undo"
	"CreditLedger/internal/withdrawal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	link       = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	owner      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	liquidator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	lp         = common.HexToAddress("0x0000000000000000000000000000000000002001")
	managerID  = common.HexToAddress("0x0000000000000000000000000000000000003001")
	venue      = common.HexToAddress("0x0000000000000000000000000000000000004001")
	swapID     = common.HexToAddress("0x0000000000000000000000000000000000005001")
	posA       = uuid.MustParse("00000000-0000-0000-0000-00000000000a")

	year = int64(fpmath.SecondsPerYear)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func usd(v uint64) *uint256.Int { return uint256.NewInt(v * 100_000_000) }

type fixture struct {
	log     *undo.Log
	tracker *ledger.BalanceTracker
	oracle  *oracle.Oracle
	pool    *pool.Pool
	mgr     *manager.Manager
}

// All tokens use 0 decimals so that one unit of usdc is one dollar.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := undo.New()
	tracker := ledger.NewBalanceTracker(log, ledger.NewJournalGenerator(1, log))

	reg := state.NewTokenRegistry(log, usdc, "USDC", 0, 9500)
	_, err := reg.AddToken(weth, "WETH", 0, false, 8500)
	require.NoError(t, err)
	_, err = reg.AddToken(link, "LINK", 0, true, 7000)
	require.NoError(t, err)

	quotas := state.NewQuotaKeeper(log)
	require.NoError(t, quotas.AddQuotaToken(link, 1000, 50, u(1_000_000), 0))

	o := oracle.New(log)
	for _, token := range []common.Address{usdc, weth, link} {
		o.SetFeed(token, 0, common.Address{})
	}
	require.NoError(t, o.SetPrice(usdc, usd(1), false, 0))
	require.NoError(t, o.SetPrice(weth, usd(2000), false, 0))
	require.NoError(t, o.SetPrice(link, usd(10), false, 0))

	p := pool.New(tracker, log, usdc, pool.DefaultInterestModel, u(1_000_000_000))
	require.NoError(t, tracker.Mint(ledger.NewUserAccountKey(lp, usdc), u(1_000_000)))
	require.NoError(t, p.Supply(lp, u(1_000_000), 0))

	params := state.DefaultCreditParams()
	adapters := adapter.NewRegistry(log)
	require.NoError(t, adapters.Register(swapID, venue, &adapter.SwapAdapter{FeeBps: 0}))

	mgr := &manager.Manager{
		Address:   managerID,
		Params:    &params,
		Positions: state.NewPositionManager(log),
		Tokens:    reg,
		Quotas:    quotas,
		Pool:      p,
		Queue:     withdrawal.NewQueue(tracker, log),
		Tracker:   tracker,
		Adapters:  adapters,
		Prices:    o,
	}
	mgr.Evaluator = &state.Evaluator{Registry: reg, Quotas: quotas, Prices: o, Balances: mgr}

	return &fixture{log: log, tracker: tracker, oracle: o, pool: p, mgr: mgr}
}

func (f *fixture) open(t *testing.T) *state.Position {
	t.Helper()
	pos, err := f.mgr.OpenPosition(posA, owner, 1)
	require.NoError(t, err)
	return pos
}

// fund mints amount of token to who and approves the manager for it.
func (f *fixture) fund(t *testing.T, who, token common.Address, amount uint64) {
	t.Helper()
	require.NoError(t, f.tracker.Mint(ledger.NewUserAccountKey(who, token), u(amount)))
	f.tracker.Approve(who, managerID, token, new(uint256.Int).SetAllOne())
}

func (f *fixture) addCollateral(t *testing.T, pos *state.Position, token common.Address, amount uint64) {
	t.Helper()
	f.fund(t, pos.Owner, token, amount)
	mask, err := f.mgr.AddCollateral(pos.Owner, pos, token, u(amount))
	require.NoError(t, err)
	f.mgr.SetEnabledTokens(pos, pos.EnabledTokens.Or(mask))
}

func (f *fixture) balance(pos *state.Position, token common.Address) uint64 {
	return f.mgr.PositionBalance(pos.ID, token).Uint64()
}

func (f *fixture) userBalance(who, token common.Address) uint64 {
	return f.tracker.GetBalance(ledger.NewUserAccountKey(who, token)).Uint64()
}

// ============================================================================
// Test: debt
// ============================================================================

func TestIncreaseDebt_LendsFromPool(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)

	newDebt, err := f.mgr.IncreaseDebt(pos, u(10_000), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), newDebt.Uint64())
	assert.Equal(t, uint64(10_000), pos.Debt.Uint64())
	assert.Equal(t, uint64(5), pos.LastDebtUpdateBlock)
	assert.Equal(t, uint64(10_000), f.balance(pos, usdc))
	assert.Equal(t, uint64(10_000), f.pool.TotalBorrowed().Uint64())
}

func TestIncreaseDebt_OncePerBlock(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)

	_, err := f.mgr.IncreaseDebt(pos, u(10_000), 5, 0)
	require.NoError(t, err)
	_, err = f.mgr.IncreaseDebt(pos, u(1_000), 5, 0)
	assert.ErrorIs(t, err, manager.ErrDebtUpdatedTwice)
	_, err = f.mgr.DecreaseDebt(pos, u(1_000), 5, 0)
	assert.ErrorIs(t, err, manager.ErrDebtUpdatedTwice)
}

func TestIncreaseDebt_OutOfLimits(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)

	_, err := f.mgr.IncreaseDebt(pos, u(999), 5, 0)
	assert.ErrorIs(t, err, manager.ErrDebtOutOfLimits)
	assert.True(t, pos.Debt.IsZero())
	assert.True(t, f.pool.TotalBorrowed().IsZero())
}

func TestDecreaseDebt_PartialInterestKeepsPrincipal(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	_, err := f.mgr.IncreaseDebt(pos, u(10_000), 5, 0)
	require.NoError(t, err)

	before, err := f.mgr.DebtData(pos, year)
	require.NoError(t, err)
	require.True(t, before.AccruedInterest.GtUint64(1))

	res, err := f.mgr.DecreaseDebt(pos, u(1), 6, year)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), res.NewDebt.Uint64())
	assert.True(t, res.PrincipalRepaid.IsZero())
	assert.Equal(t, uint64(10_000), f.pool.TotalBorrowed().Uint64())

	after, err := f.mgr.DebtData(pos, year)
	require.NoError(t, err)
	assert.True(t, after.TotalDebt().Lt(before.TotalDebt()))
}

func TestDecreaseDebt_FullRepayment(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	f.addCollateral(t, pos, usdc, 1_000)
	_, err := f.mgr.IncreaseDebt(pos, u(10_000), 5, 0)
	require.NoError(t, err)

	owed, err := f.mgr.DebtData(pos, year)
	require.NoError(t, err)
	total := owed.TotalDebt().Uint64()
	require.Greater(t, total, uint64(10_000))

	res, err := f.mgr.DecreaseDebt(pos, new(uint256.Int).SetAllOne(), 6, year)
	require.NoError(t, err)
	assert.True(t, res.FullRepayment)
	assert.True(t, pos.Debt.IsZero())
	assert.Equal(t, total, res.Repaid.Uint64())
	assert.Equal(t, 11_000-total, f.balance(pos, usdc))
	assert.True(t, f.pool.TotalBorrowed().IsZero())
	assert.False(t, res.Profit.IsZero())
}

func TestDecreaseDebt_FullRepaymentNeedsZeroQuotas(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	f.addCollateral(t, pos, usdc, 1_000)
	_, err := f.mgr.IncreaseDebt(pos, u(10_000), 5, 0)
	require.NoError(t, err)
	q, err := f.mgr.UpdateQuota(pos, link, u(20_000), false, nil, 0)
	require.NoError(t, err)
	f.mgr.SetEnabledTokens(pos, pos.EnabledTokens.Or(q.Enable))

	_, err = f.mgr.DecreaseDebt(pos, new(uint256.Int).SetAllOne(), 6, 0)
	assert.ErrorIs(t, err, manager.ErrActiveQuotasOnRepay)
}

// ============================================================================
// Test: collateral
// ============================================================================

func TestAddCollateral_NeedsAllowance(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	require.NoError(t, f.tracker.Mint(ledger.NewUserAccountKey(owner, weth), u(5)))

	_, err := f.mgr.AddCollateral(owner, pos, weth, u(5))
	assert.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	f.tracker.Approve(owner, managerID, weth, u(5))
	mask, err := f.mgr.AddCollateral(owner, pos, weth, u(5))
	require.NoError(t, err)
	assert.Equal(t, state.MaskOf(1), mask)
	assert.Equal(t, uint64(5), f.balance(pos, weth))
}

func TestWithdrawCollateral_Immediate(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	f.addCollateral(t, pos, weth, 5)

	amount, scheduled, err := f.mgr.WithdrawCollateral(pos, weth, u(2), owner, 10)
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Equal(t, uint64(2), amount.Uint64())
	assert.Equal(t, uint64(3), f.balance(pos, weth))

	amount, _, err = f.mgr.WithdrawCollateral(pos, weth, new(uint256.Int).SetAllOne(), owner, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), amount.Uint64())
	assert.Equal(t, uint64(5), f.userBalance(owner, weth))
}

func TestWithdrawCollateral_DelayedGoesThroughQueue(t *testing.T) {
	f := newFixture(t)
	f.mgr.Params.WithdrawalDelay = 3600
	pos := f.open(t)
	f.addCollateral(t, pos, weth, 5)

	_, scheduled, err := f.mgr.WithdrawCollateral(pos, weth, u(5), owner, 10)
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.True(t, pos.Flags.Has(state.FlagPendingWithdrawal))
	assert.True(t, f.mgr.Queue.HasScheduled(pos.ID))
	assert.True(t, f.mgr.Queue.Claimable(owner, weth, 10).IsZero())
	assert.Equal(t, uint64(5), f.mgr.Queue.Claimable(owner, weth, 3610).Uint64())
}

func TestWithdrawCollateral_BlockedDestinationQueued(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	f.addCollateral(t, pos, weth, 5)
	f.tracker.SetBlocked(ledger.NewUserAccountKey(owner, weth), true)

	_, scheduled, err := f.mgr.WithdrawCollateral(pos, weth, u(5), owner, 10)
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Zero(t, f.balance(pos, weth))
	assert.Equal(t, uint64(5), f.mgr.Queue.Claimable(owner, weth, 10).Uint64())
}

// ============================================================================
// Test: quotas
// ============================================================================

func TestUpdateQuota_EnablesAndChargesFee(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)

	res, err := f.mgr.UpdateQuota(pos, link, u(20_000), false, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, state.MaskOf(2), res.Enable)
	assert.True(t, res.Disable.IsZero())
	// 50 bps increase fee on 20_000
	assert.Equal(t, uint64(100), pos.QuotaInterest.Uint64())

	res, err = f.mgr.UpdateQuota(pos, link, u(20_000), true, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, state.MaskOf(2), res.Disable)
}

func TestUpdateQuota_TruncatesChange(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)

	res, err := f.mgr.UpdateQuota(pos, link, u(25_999), false, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), res.Update.NewQuota.Uint64())
}

func TestUpdateQuota_UnderlyingRejected(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)

	_, err := f.mgr.UpdateQuota(pos, usdc, u(20_000), false, nil, 0)
	assert.ErrorIs(t, err, manager.ErrUnderlyingNotQuotable)
	_, err = f.mgr.UpdateQuota(pos, weth, u(20_000), false, nil, 0)
	assert.ErrorIs(t, err, state.ErrTokenNotQuoted)
}

// ============================================================================
// Test: external calls
// ============================================================================

func TestExternalCall_SwapThroughAdapter(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	f.addCollateral(t, pos, usdc, 4_000)
	require.NoError(t, f.tracker.Mint(ledger.NewVenueAccountKey(venue, weth), u(10)))

	payload := adapter.EncodeSwap(adapter.SwapParams{
		Op: adapter.SwapExactIn, TokenIn: usdc, TokenOut: weth, AmountIn: u(4_000), MinAmountOut: u(2),
	})
	enable, _, err := f.mgr.ExternalCall(pos, swapID, payload, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, state.MaskOf(1), enable)
	assert.Equal(t, uint64(2), f.balance(pos, weth))
	assert.Zero(t, f.balance(pos, usdc))

	_, _, err = f.mgr.ExternalCall(pos, common.HexToAddress("0xdead"), payload, 0, nil)
	assert.ErrorIs(t, err, adapter.ErrAdapterNotFound)
}

// ============================================================================
// Test: closure and liquidation
// ============================================================================

// leveraged builds a position holding wethUnits of weth against 10_000 of
// debt whose borrowed usdc was withdrawn to the owner.
func (f *fixture) leveraged(t *testing.T, wethUnits uint64) *state.Position {
	t.Helper()
	pos := f.open(t)
	f.addCollateral(t, pos, weth, wethUnits)
	_, err := f.mgr.IncreaseDebt(pos, u(10_000), 5, 0)
	require.NoError(t, err)
	_, _, err = f.mgr.WithdrawCollateral(pos, usdc, u(10_000), owner, 0)
	require.NoError(t, err)
	return pos
}

func TestCloseOrLiquidate_BadDebt(t *testing.T) {
	f := newFixture(t)
	pos := f.leveraged(t, 5)
	require.NoError(t, f.oracle.SetPrice(weth, usd(1500), false, 0))
	f.fund(t, liquidator, usdc, 8_000)

	data, err := f.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: 0})
	require.NoError(t, err)
	require.True(t, data.Liquidatable())
	require.Equal(t, uint64(7_500), data.TotalValue.Uint64())

	out, err := f.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos, Data: data, Kind: state.ClosureLiquidation,
		Payer: liquidator, To: liquidator, Now: 0,
	})
	require.NoError(t, err)

	s := out.Settlement
	assert.Equal(t, uint64(7_200), s.AmountToPool.Uint64())
	assert.Equal(t, uint64(2_800), s.Loss.Uint64())
	assert.True(t, s.RemainingFunds.IsZero())
	assert.Equal(t, uint64(7_200), out.Shortfall.Uint64())

	assert.Equal(t, uint64(800), f.userBalance(liquidator, usdc))
	assert.Equal(t, uint64(5), f.userBalance(liquidator, weth))
	assert.Equal(t, uint64(997_200), f.pool.AvailableLiquidity().Uint64())
	assert.Equal(t, uint64(2_800), f.pool.TotalLoss().Uint64())
	assert.True(t, f.pool.TotalBorrowed().IsZero())

	assert.Equal(t, state.PositionStatusLiquidated, pos.Status)
	assert.True(t, pos.Debt.IsZero())
	assert.Nil(t, f.mgr.Positions.GetByOwner(owner))
}

func TestCloseOrLiquidate_RemainingFundsToBlockedOwnerQueued(t *testing.T) {
	f := newFixture(t)
	pos := f.leveraged(t, 10)
	require.NoError(t, f.oracle.SetPrice(weth, usd(1100), false, 0))
	f.fund(t, liquidator, usdc, 20_000)
	f.tracker.SetBlocked(ledger.NewUserAccountKey(owner, usdc), true)

	data, err := f.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: 0})
	require.NoError(t, err)
	require.True(t, data.Liquidatable())

	out, err := f.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos, Data: data, Kind: state.ClosureLiquidation,
		Payer: liquidator, To: liquidator, Now: 0,
	})
	require.NoError(t, err)

	s := out.Settlement
	assert.Equal(t, uint64(10_165), s.AmountToPool.Uint64())
	assert.Equal(t, uint64(395), s.RemainingFunds.Uint64())
	assert.Equal(t, uint64(165), s.Profit.Uint64())
	assert.True(t, s.Loss.IsZero())

	assert.Equal(t, uint64(395), f.mgr.Queue.Claimable(owner, usdc, 0).Uint64())
	assert.Equal(t, uint64(165), f.tracker.GetBalance(ledger.NewTreasuryAccountKey(usdc)).Uint64())
	assert.Equal(t, uint64(20_000-10_560), f.userBalance(liquidator, usdc))
	assert.Equal(t, uint64(10), f.userBalance(liquidator, weth))
}

func TestCloseOrLiquidate_LossZeroesQuotaLimits(t *testing.T) {
	f := newFixture(t)
	pos := f.leveraged(t, 5)
	f.addCollateral(t, pos, link, 100)
	q, err := f.mgr.UpdateQuota(pos, link, u(10_000), false, nil, 0)
	require.NoError(t, err)
	f.mgr.SetEnabledTokens(pos, pos.EnabledTokens.Or(q.Enable))
	require.NoError(t, f.oracle.SetPrice(weth, usd(1000), false, 0))
	f.fund(t, liquidator, usdc, 20_000)

	data, err := f.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: 0})
	require.NoError(t, err)
	out, err := f.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos, Data: data, Kind: state.ClosureLiquidation,
		Payer: liquidator, To: liquidator, Now: 0,
	})
	require.NoError(t, err)
	require.False(t, out.Settlement.Loss.IsZero())

	params, ok := f.mgr.Quotas.Params(link)
	require.True(t, ok)
	assert.True(t, params.Limit.IsZero())
	assert.True(t, f.mgr.Quotas.Quota(pos.ID, link).IsZero())
	assert.Equal(t, uint64(100), f.userBalance(liquidator, link))
}

func TestCloseOrLiquidate_CloseSweepsExceptSkipped(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t)
	f.addCollateral(t, pos, usdc, 1_000)
	f.addCollateral(t, pos, weth, 3)
	dest := common.HexToAddress("0xd1")

	data, err := f.mgr.DebtData(pos, 0)
	require.NoError(t, err)
	out, err := f.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos, Data: data, Kind: state.ClosureClose,
		Payer: owner, To: dest, SkipMask: state.MaskOf(1), Now: 0,
	})
	require.NoError(t, err)

	assert.True(t, out.Settlement.AmountToPool.IsZero())
	assert.True(t, out.Shortfall.IsZero())
	assert.Equal(t, state.UnderlyingMask, out.Swept)
	assert.Equal(t, uint64(1_000), f.userBalance(dest, usdc))
	assert.Equal(t, uint64(3), f.balance(pos, weth))
	assert.Equal(t, state.PositionStatusClosed, pos.Status)
}

func TestCloseOrLiquidate_RevertRestoresPosition(t *testing.T) {
	f := newFixture(t)
	pos := f.leveraged(t, 5)
	require.NoError(t, f.oracle.SetPrice(weth, usd(1500), false, 0))
	f.fund(t, liquidator, usdc, 8_000)
	data, err := f.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: 0})
	require.NoError(t, err)

	snap := f.log.Snapshot()
	_, err = f.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos, Data: data, Kind: state.ClosureLiquidation,
		Payer: liquidator, To: liquidator, Now: 0,
	})
	require.NoError(t, err)
	f.log.RevertTo(snap)

	assert.Equal(t, state.PositionStatusOpen, pos.Status)
	assert.Equal(t, uint64(10_000), pos.Debt.Uint64())
	assert.Equal(t, uint64(5), f.balance(pos, weth))
	assert.Equal(t, uint64(8_000), f.userBalance(liquidator, usdc))
	assert.Equal(t, uint64(10_000), f.pool.TotalBorrowed().Uint64())
	assert.True(t, f.pool.TotalLoss().IsZero())
	assert.Same(t, pos, f.mgr.Positions.GetByOwner(owner))
}
