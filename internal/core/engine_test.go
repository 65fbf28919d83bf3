package core_test

import (
	"fmt"
	"testing"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"
	"CreditLedger/internal/withdrawal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc         = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	weth         = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	link         = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	receiver     = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	liquidator   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	bot          = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	lp           = common.HexToAddress("0x0000000000000000000000000000000000002001")
	managerID    = common.HexToAddress("0x0000000000000000000000000000000000003001")
	configurator = common.HexToAddress("0x0000000000000000000000000000000000003002")
	venue        = common.HexToAddress("0x0000000000000000000000000000000000004001")
	reentrantID  = common.HexToAddress("0x0000000000000000000000000000000000005002")
)

const t0 = int64(1_700_000_000)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func usd(v uint64) *uint256.Int { return uint256.NewInt(v * 100_000_000) }

func maxUint() *uint256.Int { return new(uint256.Int).SetAllOne() }

// reentrantAdapter calls back into the engine from inside a batch.
type reentrantAdapter struct{}

func (reentrantAdapter) Execute(ctx *adapter.Context, _ []byte) (enable, disable state.TokenMask, err error) {
	err = ctx.Dispatcher.Reenter(&event.Pause{Meta: event.Meta{Key: "inner", Caller: configurator, Block: 1}})
	return enable, disable, err
}

// All tokens use 0 decimals so that one unit of usdc is one dollar.
func testGenesis() *core.Genesis {
	return &core.Genesis{
		Underlying: core.TokenSpec{Address: usdc, Symbol: "USDC", LiquidationThreshold: 9_500, Price: usd(1)},
		Collateral: []core.TokenSpec{
			{Address: weth, Symbol: "WETH", LiquidationThreshold: 8_500, Price: usd(2_000)},
			{Address: link, Symbol: "LINK", LiquidationThreshold: 7_000, Price: usd(10),
				Quota: &core.QuotaSpec{Rate: 1_000, IncreaseFee: 50, Limit: u(1_000_000)}},
		},
		Params:                    state.DefaultCreditParams(),
		InterestModel:             pool.DefaultInterestModel,
		ManagerAddress:            managerID,
		Configurator:              configurator,
		MaxDebtPerBlockMultiplier: state.NoDebtPerBlockLimit,
		Adapters:                  []core.AdapterSpec{{ID: reentrantID, Target: venue, Adapter: reentrantAdapter{}}},
		Time:                      t0,
	}
}

// --- Test harness ---

type harness struct {
	t       *testing.T
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	seqs    map[common.Address]int64
	block   uint64
	calls   int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, testGenesis())
}

// newHarnessWith builds a core and supplies 1_000_000 usdc of pool liquidity.
func newHarnessWith(t *testing.T, g *core.Genesis) *harness {
	t.Helper()
	persist := make(chan core.CoreOutput, 1024)
	c, err := core.NewDeterministicCore(g, core.Options{Persist: persist, Logger: zerolog.Nop()})
	require.NoError(t, err)
	h := &harness{t: t, core: c, persist: persist, seqs: make(map[common.Address]int64)}

	h.mint(lp, usdc, 1_000_000)
	h.mustSubmit(&event.SupplyLiquidity{Meta: h.meta(lp), Amount: u(1_000_000)})
	return h
}

// meta returns a fresh header: unique key, next block, the caller's next
// source sequence and a fixed time so that no interest accrues.
func (h *harness) meta(caller common.Address) event.Meta {
	h.calls++
	h.block++
	return event.Meta{
		Key:       fmt.Sprintf("call-%d", h.calls),
		Caller:    caller,
		Block:     h.block,
		Timestamp: t0,
		Sequence:  h.seqs[caller],
	}
}

func (h *harness) submit(call event.Call) (*core.Receipt, error) {
	r, err := h.core.ProcessCall(call)
	if err == nil && !r.Duplicate {
		h.seqs[call.Header().Caller]++
	}
	return r, err
}

func (h *harness) mustSubmit(call event.Call) *core.Receipt {
	h.t.Helper()
	r, err := h.submit(call)
	require.NoError(h.t, err)
	return r
}

func (h *harness) mint(to, token common.Address, amount uint64) {
	h.t.Helper()
	h.mustSubmit(&event.Mint{Meta: h.meta(configurator), To: to, Token: token, Amount: u(amount)})
}

// fund mints amount of token to who and approves the manager for it.
func (h *harness) fund(who, token common.Address, amount uint64) {
	h.t.Helper()
	h.mint(who, token, amount)
	h.mustSubmit(&event.Approve{Meta: h.meta(who), Spender: managerID, Token: token, Amount: maxUint()})
}

func (h *harness) admin(call event.Call) {
	h.t.Helper()
	h.mustSubmit(call)
}

func (h *harness) userBalance(who, token common.Address) uint64 {
	return h.core.Balance(ledger.NewUserAccountKey(who, token)).Uint64()
}

func (h *harness) positionBalance(r *core.Receipt, token common.Address) uint64 {
	return h.core.Balance(ledger.NewPositionAccountKey(*r.PositionID, token)).Uint64()
}

// open funds the owner with wethUnits and opens a position borrowing debt.
func (h *harness) open(wethUnits, debt uint64) *core.Receipt {
	h.t.Helper()
	h.fund(owner, weth, wethUnits)
	ops := []event.Op{event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(wethUnits)})}
	if debt > 0 {
		ops = append(ops, event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(debt)}))
	}
	return h.mustSubmit(&event.OpenPosition{Meta: h.meta(owner), Ops: ops})
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func eventTypes(events []event.DomainEvent) []event.DomainEventType {
	out := make([]event.DomainEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// ============================================================================
// Test: Open Position
// ============================================================================

func TestOpenPosition_BorrowsAndEnablesCollateral(t *testing.T) {
	h := newHarness(t)
	h.fund(owner, weth, 10)
	drainOutputs(h.persist)

	call := &event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(15_000)}),
	}}
	r := h.mustSubmit(call)

	require.NotNil(t, r.PositionID)
	assert.Equal(t, core.PositionIDFor(call.Key), *r.PositionID)
	// TWV = 15000*0.95 + 10*2000*0.85 = 31250 over 15000 of debt
	assert.Equal(t, uint64(20_833), r.HealthFactor)
	assert.Equal(t, []event.DomainEventType{event.DomainPositionOpened}, eventTypes(r.Events))
	assert.Equal(t, r.Sequence, r.Events[0].Sequence)

	pos, ok := h.core.Position(*r.PositionID)
	require.True(t, ok)
	assert.Equal(t, owner, pos.Owner)
	assert.Equal(t, uint64(15_000), pos.Debt.Uint64())
	assert.True(t, pos.EnabledTokens.Has(1), "weth enabled")
	assert.Equal(t, uint64(10), h.positionBalance(r, weth))
	assert.Equal(t, uint64(15_000), h.positionBalance(r, usdc))
	assert.Equal(t, uint64(985_000), h.core.RiskState().AvailableLiquidity.Uint64())
	require.NoError(t, h.core.ValidateSupply())

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)
	out := outputs[0]
	assert.Equal(t, r.Sequence, out.Envelope.Sequence)
	assert.Equal(t, event.CallTypeOpenPosition, out.Envelope.CallType)
	assert.Equal(t, r.StateHash, out.Envelope.StateHash)
	assert.Equal(t, t0, out.Envelope.Timestamp.Unix())
	require.Len(t, out.Positions, 1)
	assert.Equal(t, *r.PositionID, out.Positions[0].ID)
	assert.NotEmpty(t, out.Batch.Journals)
}

func TestOpenPosition_SecondPositionForOwnerRejected(t *testing.T) {
	h := newHarness(t)
	h.open(10, 0)
	h.fund(owner, weth, 1)

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner)})
	require.ErrorIs(t, err, state.ErrOwnerHasPosition)
	assert.Equal(t, core.CategoryState, core.Category(err))
}

func TestOpenPosition_WhitelistedForbidsOnBehalf(t *testing.T) {
	g := testGenesis()
	g.Whitelisted = true
	h := newHarnessWith(t, g)

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), OnBehalfOf: receiver})
	require.ErrorIs(t, err, core.ErrNotAllowedOnBehalf)
	assert.Equal(t, core.CategoryAuthorization, core.Category(err))
}

// ============================================================================
// Test: Atomicity
// ============================================================================

func TestFailedBatch_LeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.fund(owner, weth, 10)
	hashBefore := h.core.GetStateHash()
	seqBefore := h.core.GetSequence()
	drainOutputs(h.persist)

	meta := h.meta(owner)
	bad := &event.OpenPosition{Meta: meta, Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(20_000)}),
		event.NewOp(event.OpSetFullCheckParams, event.FullCheckParams{MinHealthFactor: 30_000}),
	}}
	_, err := h.submit(bad)
	require.ErrorIs(t, err, state.ErrNotEnoughCollateral)
	assert.Equal(t, core.CategorySolvency, core.Category(err))

	_, ok := h.core.Position(core.PositionIDFor(meta.Key))
	assert.False(t, ok)
	assert.Equal(t, uint64(10), h.userBalance(owner, weth))
	assert.Equal(t, uint64(1_000_000), h.core.RiskState().AvailableLiquidity.Uint64())
	assert.Equal(t, seqBefore, h.core.GetSequence())
	assert.Equal(t, hashBefore, h.core.GetStateHash())
	assert.Empty(t, drainOutputs(h.persist))

	// the key and the source sequence are still free
	good := &event.OpenPosition{Meta: meta, Ops: bad.Ops[:2]}
	r, err := h.submit(good)
	require.NoError(t, err)
	assert.False(t, r.Duplicate)
	assert.Equal(t, seqBefore, r.Sequence)
}

func TestMissingPermission_RejectsBatch(t *testing.T) {
	h := newHarness(t)
	h.fund(owner, weth, 10)

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpWithdrawCollateral, event.CollateralWithdrawal{Token: weth, Amount: u(1), To: owner}),
	}})
	require.ErrorIs(t, err, core.ErrMissingPermission)
	assert.Equal(t, core.CategoryPolicy, core.Category(err))
}

func TestPriceUpdateAfterOtherOps_Rejected(t *testing.T) {
	h := newHarness(t)
	h.fund(owner, weth, 10)

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpOnDemandPriceUpdate, event.PriceUpdate{Token: weth, Price: usd(1), Timestamp: t0}),
	}})
	require.ErrorIs(t, err, core.ErrPriceUpdateNotLeading)
}

func TestUnknownOperation_Rejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{{Code: event.OpUnknown}}})
	require.ErrorIs(t, err, core.ErrUnknownOperation)
}

// ============================================================================
// Test: Ordering and Idempotency
// ============================================================================

func TestDuplicateCall_ReturnsDuplicateReceipt(t *testing.T) {
	h := newHarness(t)
	call := &event.Mint{Meta: h.meta(configurator), To: owner, Token: weth, Amount: u(5)}
	h.mustSubmit(call)
	seq := h.core.GetSequence()
	drainOutputs(h.persist)

	r, err := h.core.ProcessCall(call)
	require.NoError(t, err)
	assert.True(t, r.Duplicate)
	assert.Equal(t, uint64(5), h.userBalance(owner, weth))
	assert.Equal(t, seq, h.core.GetSequence())
	assert.Empty(t, drainOutputs(h.persist))
}

func TestSequenceGap_Rejected(t *testing.T) {
	h := newHarness(t)
	meta := h.meta(owner)
	meta.Sequence += 5

	_, err := h.core.ProcessCall(&event.AllowTransfer{Meta: meta, From: receiver, Allowed: true})
	require.ErrorIs(t, err, core.ErrSequenceGap)
	assert.Equal(t, core.CategoryOrdering, core.Category(err))
}

func TestOutOfOrder_Rejected(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit(&event.AllowTransfer{Meta: h.meta(owner), From: receiver, Allowed: true})

	meta := h.meta(owner)
	meta.Sequence = 0
	_, err := h.core.ProcessCall(&event.AllowTransfer{Meta: meta, From: receiver, Allowed: false})
	require.ErrorIs(t, err, core.ErrOutOfOrder)
}

func TestInvalidMeta_Rejected(t *testing.T) {
	h := newHarness(t)
	meta := h.meta(owner)
	meta.Block = 0

	_, err := h.core.ProcessCall(&event.AllowTransfer{Meta: meta, From: receiver, Allowed: true})
	require.ErrorIs(t, err, core.ErrInvalidCall)
	assert.Equal(t, core.CategoryInvalid, core.Category(err))
}

// ============================================================================
// Test: Forbidden Tokens
// ============================================================================

func TestForbiddenToken_CannotBeNewlyEnabled(t *testing.T) {
	h := newHarness(t)
	h.admin(&event.SetTokenForbidden{Meta: h.meta(configurator), Token: weth, Forbidden: true})
	h.fund(owner, weth, 10)

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
	}})
	require.ErrorIs(t, err, core.ErrForbiddenTokensEnabled)
}

func TestForbiddenToken_StrictBlocksBorrowAndWithdraw(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 0)
	h.admin(&event.SetTokenForbidden{Meta: h.meta(configurator), Token: weth, Forbidden: true})

	_, err := h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
	require.ErrorIs(t, err, core.ErrForbiddenTokensEnabled)

	_, err = h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpWithdrawCollateral, event.CollateralWithdrawal{Token: weth, Amount: u(1), To: owner}),
	}})
	require.ErrorIs(t, err, core.ErrForbiddenTokensEnabled)

	h.admin(&event.SetTokenForbidden{Meta: h.meta(configurator), Token: weth, Forbidden: false})
	h.mustSubmit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
}

func TestForbiddenToken_BalanceMayNotIncrease(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 0)
	h.fund(owner, weth, 1)
	h.admin(&event.SetTokenForbidden{Meta: h.meta(configurator), Token: weth, Forbidden: true})

	_, err := h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(1)}),
	}})
	require.ErrorIs(t, err, core.ErrForbiddenBalanceIncreased)
	assert.Equal(t, uint64(10), h.positionBalance(r, weth))
}

func TestForbiddenToken_QuotaIncreaseRejected(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 2_000)
	h.admin(&event.SetTokenForbidden{Meta: h.meta(configurator), Token: link, Forbidden: true})

	_, err := h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpUpdateQuota, event.QuotaChange{Token: link, Change: u(100)}),
	}})
	require.ErrorIs(t, err, core.ErrForbiddenQuotaIncrease)
}

func TestForbidUnderlying_Rejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.submit(&event.SetTokenForbidden{Meta: h.meta(configurator), Token: usdc, Forbidden: true})
	require.ErrorIs(t, err, core.ErrInvalidCall)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

// underwater opens 10 weth against 15000 usdc of debt, withdraws the
// borrowed usdc and drops weth to 1500, leaving TWV 12750 against 15000.
func underwater(h *harness) *core.Receipt {
	h.t.Helper()
	r := h.open(10, 15_000)
	h.mustSubmit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpWithdrawCollateral, event.CollateralWithdrawal{Token: usdc, Amount: u(15_000), To: owner}),
	}})
	h.admin(&event.SetPrice{Meta: h.meta(configurator), Token: weth, Price: usd(1_500)})
	return r
}

func TestLiquidation_LossFreezesBorrowingAndPauses(t *testing.T) {
	g := testGenesis()
	g.MaxCumulativeLoss = u(500)
	h := newHarnessWith(t, g)
	r := underwater(h)
	h.fund(liquidator, usdc, 14_400)

	lr := h.mustSubmit(&event.LiquidatePosition{Meta: h.meta(liquidator), PositionID: *r.PositionID})

	require.NotNil(t, lr.Closure)
	s := lr.Closure.Settlement
	// TV 15000, funds 15000*0.96 = 14400
	assert.Equal(t, state.ClosureLiquidation, lr.Closure.Kind)
	assert.Equal(t, uint64(14_400), s.AmountToPool.Uint64())
	assert.Equal(t, uint64(600), s.Loss.Uint64())
	assert.True(t, s.RemainingFunds.IsZero())
	assert.Equal(t, uint64(14_400), lr.Closure.Shortfall.Uint64())

	assert.Equal(t, []event.DomainEventType{
		event.DomainLossRecorded,
		event.DomainBorrowingFrozen,
		event.DomainFacadePaused,
		event.DomainPositionLiquidated,
	}, eventTypes(lr.Events))

	risk := h.core.RiskState()
	assert.True(t, risk.Paused)
	assert.Equal(t, uint8(0), risk.MaxDebtPerBlockMultiplier)
	assert.Equal(t, uint64(600), risk.CumulativeLoss.Uint64())
	assert.Equal(t, uint64(600), risk.TotalLoss.Uint64())
	assert.True(t, risk.TotalBorrowed.IsZero())

	assert.Equal(t, uint64(0), h.userBalance(liquidator, usdc))
	assert.Equal(t, uint64(10), h.userBalance(liquidator, weth))
	pos, ok := h.core.Position(*r.PositionID)
	require.True(t, ok)
	assert.Equal(t, state.PositionStatusLiquidated, pos.Status)
	require.NoError(t, h.core.ValidateSupply())

	// paused: entry points refuse
	h.fund(receiver, weth, 10)
	_, err := h.submit(&event.OpenPosition{Meta: h.meta(receiver)})
	require.ErrorIs(t, err, core.ErrPaused)

	// unpaused, borrowing stays frozen until the multiplier is raised
	h.admin(&event.Unpause{Meta: h.meta(configurator)})
	_, err = h.submit(&event.OpenPosition{Meta: h.meta(receiver), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
	require.ErrorIs(t, err, state.ErrDebtLimitsFrozen)

	h.admin(&event.SetMaxDebtPerBlockMultiplier{Meta: h.meta(configurator), Multiplier: 2})
	h.mustSubmit(&event.OpenPosition{Meta: h.meta(receiver), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
}

func TestLiquidation_EmergencyLiquidatorWhilePaused(t *testing.T) {
	g := testGenesis()
	g.EmergencyLiquidators = []common.Address{liquidator}
	h := newHarnessWith(t, g)
	r := underwater(h)
	h.fund(liquidator, usdc, 14_400)
	h.fund(receiver, usdc, 14_400)
	h.admin(&event.Pause{Meta: h.meta(configurator)})

	_, err := h.submit(&event.LiquidatePosition{Meta: h.meta(receiver), PositionID: *r.PositionID})
	require.ErrorIs(t, err, core.ErrPaused)

	lr := h.mustSubmit(&event.LiquidatePosition{Meta: h.meta(liquidator), PositionID: *r.PositionID})
	assert.Equal(t, uint64(600), lr.Closure.Settlement.Loss.Uint64())
}

func TestLiquidation_HealthyPositionRejected(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 5_000)

	_, err := h.submit(&event.LiquidatePosition{Meta: h.meta(liquidator), PositionID: *r.PositionID})
	require.ErrorIs(t, err, core.ErrNotLiquidatable)
	assert.Equal(t, core.CategorySolvency, core.Category(err))
}

func TestLiquidation_ExpiredHealthyPosition(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 5_000)
	h.admin(&event.SetExpiration{Meta: h.meta(configurator), Expirable: true, Date: t0})
	h.fund(liquidator, usdc, 19_500)

	lr := h.mustSubmit(&event.LiquidatePosition{Meta: h.meta(liquidator), PositionID: *r.PositionID})

	// TV 5000 + 20000, funds 24500, pool gets 5000 + 1% of TV
	s := lr.Closure.Settlement
	assert.Equal(t, state.ClosureLiquidationExpired, lr.Closure.Kind)
	assert.Equal(t, uint64(5_250), s.AmountToPool.Uint64())
	assert.Equal(t, uint64(19_250), s.RemainingFunds.Uint64())
	assert.Equal(t, uint64(250), s.Profit.Uint64())
	assert.True(t, s.Loss.IsZero())
	assert.Equal(t, uint64(19_500), lr.Closure.Shortfall.Uint64())

	assert.Equal(t, uint64(19_250), h.userBalance(owner, usdc))
	assert.Equal(t, uint64(10), h.userBalance(liquidator, weth))
	assert.False(t, h.core.RiskState().Paused)
	require.NoError(t, h.core.ValidateSupply())

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(receiver)})
	require.ErrorIs(t, err, core.ErrExpired)
}

func TestLiquidation_BatchMayNotDrainCollateral(t *testing.T) {
	h := newHarness(t)
	r := underwater(h)
	h.fund(liquidator, usdc, 14_400)

	_, err := h.submit(&event.LiquidatePosition{Meta: h.meta(liquidator), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpWithdrawCollateral, event.CollateralWithdrawal{Token: weth, Amount: u(5), To: liquidator}),
	}})
	require.ErrorIs(t, err, core.ErrCollateralDecreased)
	assert.Equal(t, uint64(10), h.positionBalance(r, weth))
}

// ============================================================================
// Test: Reentrancy
// ============================================================================

func TestAdapterReentry_Rejected(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 0)

	_, err := h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewExternalCall(reentrantID, []byte(`{}`)),
	}})
	require.ErrorIs(t, err, core.ErrReentrancy)
	assert.Equal(t, core.CategoryState, core.Category(err))
	assert.False(t, h.core.RiskState().Paused)
}

// ============================================================================
// Test: Close Position
// ============================================================================

func TestClosePosition_RepaysAndSweeps(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 5_000)

	cr := h.mustSubmit(&event.ClosePosition{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpDecreaseDebt, event.DebtChange{Amount: maxUint()}),
	}})

	require.NotNil(t, cr.Closure)
	assert.Equal(t, state.ClosureClose, cr.Closure.Kind)
	assert.True(t, cr.Closure.Shortfall.IsZero())
	assert.Equal(t, []event.DomainEventType{event.DomainPositionClosed}, eventTypes(cr.Events))
	assert.Equal(t, uint64(10), h.userBalance(owner, weth))

	pos, ok := h.core.Position(*r.PositionID)
	require.True(t, ok)
	assert.Equal(t, state.PositionStatusClosed, pos.Status)
	assert.True(t, h.core.RiskState().TotalBorrowed.IsZero())
	require.NoError(t, h.core.ValidateSupply())

	// the owner slot is free again
	h.fund(owner, weth, 1)
	h.mustSubmit(&event.OpenPosition{Meta: h.meta(owner)})
}

func TestClosePosition_NonZeroDebtRejected(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 5_000)

	_, err := h.submit(&event.ClosePosition{Meta: h.meta(owner), PositionID: *r.PositionID})
	require.ErrorIs(t, err, core.ErrCloseWithNonZeroDebt)
}

func TestClosePosition_NotOwnerRejected(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 0)

	_, err := h.submit(&event.ClosePosition{Meta: h.meta(receiver), PositionID: *r.PositionID})
	require.ErrorIs(t, err, core.ErrNotOwner)
}

// ============================================================================
// Test: Ownership and Bots
// ============================================================================

func TestTransferOwnership_NeedsReceiverConsent(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 5_000)

	_, err := h.submit(&event.TransferOwnership{Meta: h.meta(owner), PositionID: *r.PositionID, To: receiver})
	require.ErrorIs(t, err, state.ErrTransferNotAllowed)

	h.mustSubmit(&event.AllowTransfer{Meta: h.meta(receiver), From: owner, Allowed: true})
	tr := h.mustSubmit(&event.TransferOwnership{Meta: h.meta(owner), PositionID: *r.PositionID, To: receiver})
	assert.Equal(t, []event.DomainEventType{event.DomainOwnershipTransferred}, eventTypes(tr.Events))

	pos, _ := h.core.Position(*r.PositionID)
	assert.Equal(t, receiver, pos.Owner)

	_, err = h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID})
	require.ErrorIs(t, err, core.ErrNotOwner)
}

func TestTransferOwnership_LiquidatableRejected(t *testing.T) {
	h := newHarness(t)
	r := underwater(h)
	h.mustSubmit(&event.AllowTransfer{Meta: h.meta(receiver), From: owner, Allowed: true})

	_, err := h.submit(&event.TransferOwnership{Meta: h.meta(owner), PositionID: *r.PositionID, To: receiver})
	require.ErrorIs(t, err, core.ErrTransferOfLiquidatable)
}

func TestBotMulticall_LimitedToGrantedPermissions(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 5_000)

	_, err := h.submit(&event.BotMulticall{Meta: h.meta(bot), PositionID: *r.PositionID})
	require.ErrorIs(t, err, core.ErrNotApprovedBot)

	gr := h.mustSubmit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpSetBotPermissions, event.BotPermissions{Bot: bot, Permissions: uint64(core.PermDecreaseDebt)}),
	}})
	assert.Equal(t, []event.DomainEventType{event.DomainBotPermissionsUpdated}, eventTypes(gr.Events))
	assert.Equal(t, core.PermDecreaseDebt, h.core.BotPermissions(bot, *r.PositionID))

	h.mustSubmit(&event.BotMulticall{Meta: h.meta(bot), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpDecreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
	pos, _ := h.core.Position(*r.PositionID)
	assert.Equal(t, uint64(4_000), pos.Debt.Uint64())

	_, err = h.submit(&event.BotMulticall{Meta: h.meta(bot), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
	require.ErrorIs(t, err, core.ErrMissingPermission)
}

func TestSetBotPermissions_NotGrantable(t *testing.T) {
	h := newHarness(t)
	r := h.open(10, 0)

	_, err := h.submit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpSetBotPermissions, event.BotPermissions{Bot: bot, Permissions: uint64(core.PermSetBotPermissions)}),
	}})
	require.ErrorIs(t, err, core.ErrInvalidBotPermissions)
}

// ============================================================================
// Test: Permits and Expected Balances
// ============================================================================

func TestAddCollateralWithPermit(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	h := newHarness(t)
	h.mint(signer, weth, 10)

	deadline := t0 + 3_600
	digest := ledger.PermitDigest(signer, managerID, weth, u(10), 0, deadline)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	r := h.mustSubmit(&event.OpenPosition{Meta: h.meta(signer), Ops: []event.Op{
		event.NewOp(event.OpAddCollateralWithPermit, event.CollateralPermit{Token: weth, Amount: u(10), Deadline: deadline, Signature: sig}),
	}})
	assert.Equal(t, uint64(10), h.positionBalance(r, weth))
}

func TestAddCollateralWithPermit_BadSignatureFallsBackToAllowance(t *testing.T) {
	h := newHarness(t)
	h.fund(owner, weth, 10)

	r := h.mustSubmit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateralWithPermit, event.CollateralPermit{
			Token: weth, Amount: u(10), Deadline: t0 + 3_600, Signature: make([]byte, 65),
		}),
	}})
	assert.Equal(t, uint64(10), h.positionBalance(r, weth))
}

func TestExpectedBalances_CheckedAtBatchEnd(t *testing.T) {
	h := newHarness(t)
	h.fund(owner, weth, 10)

	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpStoreExpectedBalances, event.ExpectedBalances{Deltas: []state.BalanceDelta{{Token: weth, Amount: u(11)}}}),
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
	}})
	require.ErrorIs(t, err, state.ErrBalanceLessThanExpected)

	_, err = h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpCompareBalances, nil),
	}})
	require.ErrorIs(t, err, core.ErrExpectedBalancesNotSet)

	h.mustSubmit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpStoreExpectedBalances, event.ExpectedBalances{Deltas: []state.BalanceDelta{{Token: weth, Amount: u(10)}}}),
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpCompareBalances, nil),
	}})
}

// ============================================================================
// Test: Withdrawal Queue
// ============================================================================

func TestDelayedWithdrawal_ClaimAfterMaturity(t *testing.T) {
	g := testGenesis()
	g.Params.WithdrawalDelay = 3_600
	h := newHarnessWith(t, g)
	r := h.open(10, 0)

	wr := h.mustSubmit(&event.Multicall{Meta: h.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpWithdrawCollateral, event.CollateralWithdrawal{Token: weth, Amount: u(4), To: owner}),
	}})
	assert.Equal(t, []event.DomainEventType{event.DomainWithdrawalScheduled}, eventTypes(wr.Events))
	require.Len(t, h.core.PendingWithdrawals(*r.PositionID), 1)

	_, err := h.submit(&event.ClaimWithdrawals{Meta: h.meta(owner), Token: weth})
	require.ErrorIs(t, err, withdrawal.ErrNothingToClaim)

	meta := h.meta(owner)
	meta.Timestamp = t0 + 3_600
	cr := h.mustSubmit(&event.ClaimWithdrawals{Meta: meta, Token: weth})
	assert.Equal(t, uint64(4), cr.Claimed.Uint64())
	assert.Equal(t, uint64(4), h.userBalance(owner, weth))
}

// ============================================================================
// Test: Configuration
// ============================================================================

func TestAdminCall_RequiresConfigurator(t *testing.T) {
	h := newHarness(t)
	_, err := h.submit(&event.Pause{Meta: h.meta(owner)})
	require.ErrorIs(t, err, core.ErrNotConfigurator)
	assert.Equal(t, core.CategoryAuthorization, core.Category(err))
}

func TestSetDebtLimits_EnforcedOnBorrow(t *testing.T) {
	h := newHarness(t)
	h.admin(&event.SetDebtLimits{Meta: h.meta(configurator), MinDebt: u(2_000), MaxDebt: u(10_000)})
	params := h.core.Params()
	assert.Equal(t, uint64(10_000), params.MaxDebt.Uint64())

	h.fund(owner, weth, 10)
	_, err := h.submit(&event.OpenPosition{Meta: h.meta(owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: weth, Amount: u(10)}),
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}})
	assert.Equal(t, core.CategoryPolicy, core.Category(err))

	_, err = h.submit(&event.SetDebtLimits{Meta: h.meta(configurator), MinDebt: u(5), MaxDebt: u(4)})
	require.ErrorIs(t, err, core.ErrInvalidCall)
}

// ============================================================================
// Test: State Hash and Snapshots
// ============================================================================

func TestStateHash_DeterministicAcrossCores(t *testing.T) {
	a := newHarness(t)
	b := newHarness(t)
	ra := a.open(10, 5_000)
	rb := b.open(10, 5_000)

	assert.Equal(t, ra.StateHash, rb.StateHash)
	assert.Equal(t, a.core.GetStateHash(), b.core.GetStateHash())
	assert.NotEqual(t, [32]byte{}, a.core.GetStateHash())
}

func TestSnapshot_RestoreContinuesIdentically(t *testing.T) {
	a := newHarness(t)
	r := a.open(10, 5_000)

	snap := a.core.CreateSnapshotState()
	assert.Equal(t, a.core.GetSequence()-1, snap.Sequence)

	b, err := core.NewDeterministicCore(testGenesis(), core.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	b.RestoreFromSnapshot(snap)
	assert.Equal(t, a.core.GetSequence(), b.GetSequence())
	assert.Equal(t, a.core.GetStateHash(), b.GetStateHash())

	next := &event.Multicall{Meta: a.meta(owner), PositionID: *r.PositionID, Ops: []event.Op{
		event.NewOp(event.OpDecreaseDebt, event.DebtChange{Amount: u(1_000)}),
	}}
	ra, err := a.core.ProcessCall(next)
	require.NoError(t, err)
	rb, err := b.ProcessCall(next)
	require.NoError(t, err)
	assert.Equal(t, ra.Sequence, rb.Sequence)
	assert.Equal(t, ra.StateHash, rb.StateHash)

	// applied keys survive the restore
	dup, err := b.ProcessCall(next)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestProjectionChannel_DropsWhenFull(t *testing.T) {
	projection := make(chan core.CoreOutput)
	c, err := core.NewDeterministicCore(testGenesis(), core.Options{Projection: projection, Logger: zerolog.Nop()})
	require.NoError(t, err)

	r, err := c.ProcessCall(&event.Mint{
		Meta:   event.Meta{Key: "m-1", Caller: configurator, Block: 1, Timestamp: t0},
		To:     owner,
		Token:  weth,
		Amount: u(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Sequence)
}
