// Package manager holds the position lifecycle primitives: opening, debt
// changes, collateral movements, quota updates, external calls and final
// settlement. Every primitive moves tokens through the ledger and records
// its state changes in the undo log; permission and solvency policy belong
// to the caller.
package manager

import (
	"errors"
	"fmt"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/ledger"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"
	"CreditLedger/internal/withdrawal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrDebtOutOfLimits       = errors.New("borrow amount out of limits")
	ErrDebtUpdatedTwice      = errors.New("debt updated twice in one block")
	ErrActiveQuotasOnRepay   = errors.New("full repayment with active quotas")
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrUnderlyingNotQuotable = errors.New("underlying cannot carry a quota")
)

// Manager drives the collaborators that make up a position's state.
type Manager struct {
	// Address is the spender identity collateral is pulled under.
	Address common.Address

	Params    *state.CreditParams
	Positions *state.PositionManager
	Tokens    *state.TokenRegistry
	Quotas    *state.QuotaKeeper
	Pool      *pool.Pool
	Queue     *withdrawal.Queue
	Tracker   *ledger.BalanceTracker
	Adapters  *adapter.Registry
	Prices    adapter.Prices
	Evaluator *state.Evaluator
}

// PositionBalance implements state.BalanceReader over the ledger.
func (m *Manager) PositionBalance(positionID uuid.UUID, token common.Address) *uint256.Int {
	return m.Tracker.GetBalance(ledger.NewPositionAccountKey(positionID, token))
}

// OpenPosition creates an empty position. Debt starts at zero and the
// index checkpoint at RAY.
func (m *Manager) OpenPosition(id uuid.UUID, owner common.Address, block uint64) (*state.Position, error) {
	return m.Positions.Open(id, owner, block)
}

// SetEnabledTokens writes the position's collateral mask.
func (m *Manager) SetEnabledTokens(pos *state.Position, mask state.TokenMask) {
	if pos.EnabledTokens == mask {
		return
	}
	m.Positions.Touch(pos)
	pos.EnabledTokens = mask
}

// SetFlag sets or clears one of the position's flags.
func (m *Manager) SetFlag(pos *state.Position, flag state.PositionFlags, on bool) {
	if pos.Flags.Has(flag) == on {
		return
	}
	m.Positions.Touch(pos)
	if on {
		pos.Flags |= flag
	} else {
		pos.Flags &^= flag
	}
}

// QuotedTokens lists the quoted tokens the position has enabled.
func (m *Manager) QuotedTokens(pos *state.Position) []common.Address {
	mask := pos.EnabledTokens.And(m.Tokens.QuotedMask())
	out := make([]common.Address, 0, mask.Count())
	mask.ForEach(func(bit uint8) bool {
		out = append(out, m.Tokens.Entry(bit).Token)
		return true
	})
	return out
}

// DebtData computes the position's debt without valuing collateral.
func (m *Manager) DebtData(pos *state.Position, now int64) (*state.CollateralDebtData, error) {
	return m.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtOnly, Now: now})
}

// Evaluate fills the pool index and fee from the manager's state and runs
// the evaluator.
func (m *Manager) Evaluate(req state.EvalRequest) (*state.CollateralDebtData, error) {
	req.IndexNow = m.Pool.BaseInterestIndex(req.Now)
	req.FeeInterest = m.Params.FeeInterest
	return m.Evaluator.Evaluate(req)
}

func (m *Manager) guardBlock(pos *state.Position, block uint64) error {
	if pos.LastDebtUpdateBlock == block {
		return fmt.Errorf("%w: block %d", ErrDebtUpdatedTwice, block)
	}
	return nil
}

// IncreaseDebt borrows amount from the pool into the position. The index
// checkpoint is recomputed so that interest accrued so far is unchanged.
func (m *Manager) IncreaseDebt(pos *state.Position, amount *uint256.Int, block uint64, now int64) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := m.guardBlock(pos, block); err != nil {
		return nil, err
	}
	indexNow := m.Pool.BaseInterestIndex(now)
	newDebt, newIndex, err := fpmath.CalcIncrease(amount, &pos.Debt, indexNow, &pos.CumulativeIndex)
	if err != nil {
		return nil, fmt.Errorf("increase debt: %w", err)
	}
	if !m.Params.DebtWithinLimits(newDebt) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrDebtOutOfLimits, newDebt.Dec(), m.Params.MinDebt.Dec(), m.Params.MaxDebt.Dec())
	}
	if err := m.Pool.Lend(amount, pos.ID, now); err != nil {
		return nil, err
	}

	m.Positions.Touch(pos)
	pos.Debt.Set(newDebt)
	pos.CumulativeIndex.Set(newIndex)
	pos.LastDebtUpdateBlock = block
	return newDebt, nil
}

// DebtDecrease reports how a repayment was applied
type DebtDecrease struct {
	Repaid          *uint256.Int // amount taken from the position
	PrincipalRepaid *uint256.Int
	Profit          *uint256.Int
	NewDebt         *uint256.Int
	FullRepayment   bool
}

// DecreaseDebt repays up to amount from the position's underlying balance.
// Quota interest is paid first, then base interest with its fee, then
// principal. An amount at or above the total owed repays everything, which
// requires every quota to be zero.
func (m *Manager) DecreaseDebt(pos *state.Position, amount *uint256.Int, block uint64, now int64) (*DebtDecrease, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := m.guardBlock(pos, block); err != nil {
		return nil, err
	}

	quoted := m.QuotedTokens(pos)
	accrued := m.Quotas.AccrueInterest(pos.ID, quoted, now)
	m.Positions.Touch(pos)
	pos.QuotaInterest.Add(&pos.QuotaInterest, accrued)

	data, err := m.DebtData(pos, now)
	if err != nil {
		return nil, err
	}
	total := data.TotalDebt()
	full := !amount.Lt(total)
	if full {
		amount = total
		if m.Quotas.HasQuotas(pos.ID, quoted) {
			return nil, ErrActiveQuotasOnRepay
		}
	}

	res, err := fpmath.CalcDecrease(fpmath.DecreaseInput{
		Amount:          amount,
		Debt:            &pos.Debt,
		IndexNow:        data.IndexNow,
		IndexLastUpdate: &pos.CumulativeIndex,
		QuotaInterest:   &pos.QuotaInterest,
		FeeInterestBps:  uint64(m.Params.FeeInterest),
	})
	if err != nil {
		return nil, fmt.Errorf("decrease debt: %w", err)
	}
	if !res.NewDebt.IsZero() && !m.Params.DebtWithinLimits(res.NewDebt) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrDebtOutOfLimits, res.NewDebt.Dec(), m.Params.MinDebt.Dec(), m.Params.MaxDebt.Dec())
	}

	underlying := m.Tokens.Underlying()
	paid := new(uint256.Int).Add(res.AmountToPool, res.Profit)
	from := ledger.NewPositionAccountKey(pos.ID, underlying)
	if err := m.Tracker.Transfer(from, ledger.NewPoolAccountKey(underlying), paid, ledger.JournalTypeRepay); err != nil {
		return nil, fmt.Errorf("repay: %w", err)
	}
	if err := m.Pool.Repay(res.PrincipalRepaid, res.Profit, new(uint256.Int), now); err != nil {
		return nil, err
	}

	m.Positions.Touch(pos)
	pos.Debt.Set(res.NewDebt)
	pos.CumulativeIndex.Set(res.NewIndex)
	pos.QuotaInterest.Set(res.NewQuotaInterest)
	pos.LastDebtUpdateBlock = block
	if res.NewDebt.IsZero() {
		pos.CumulativeIndex.Set(data.IndexNow)
	}

	return &DebtDecrease{
		Repaid:          paid,
		PrincipalRepaid: res.PrincipalRepaid,
		Profit:          res.Profit,
		NewDebt:         res.NewDebt,
		FullRepayment:   full,
	}, nil
}

// AddCollateral pulls amount of token from payer into the position under
// the manager's allowance and returns the token's mask.
func (m *Manager) AddCollateral(payer common.Address, pos *state.Position, token common.Address, amount *uint256.Int) (state.TokenMask, error) {
	mask, err := m.Tokens.MaskOf(token)
	if err != nil {
		return state.TokenMask{}, err
	}
	to := ledger.NewPositionAccountKey(pos.ID, token)
	if err := m.Tracker.TransferFrom(m.Address, payer, to, amount, ledger.JournalTypeCollateralIn); err != nil {
		return state.TokenMask{}, fmt.Errorf("add collateral: %w", err)
	}
	return mask, nil
}

// WithdrawCollateral moves amount of token out of the position to the to
// identity, or into the withdrawal queue when a delay is configured or the
// destination cannot receive. MaxUint256 withdraws the whole balance.
// Returns the amount withdrawn and whether it was scheduled.
func (m *Manager) WithdrawCollateral(pos *state.Position, token common.Address, amount *uint256.Int, to common.Address, now int64) (*uint256.Int, bool, error) {
	if _, err := m.Tokens.MaskOf(token); err != nil {
		return nil, false, err
	}
	from := ledger.NewPositionAccountKey(pos.ID, token)
	if isMax(amount) {
		amount = m.Tracker.GetBalance(from)
	}
	if amount.IsZero() {
		return amount, false, nil
	}

	if m.Params.WithdrawalDelay > 0 {
		if err := m.Queue.Schedule(pos.ID, to, token, amount, now+m.Params.WithdrawalDelay); err != nil {
			return nil, false, err
		}
		m.SetFlag(pos, state.FlagPendingWithdrawal, true)
		return amount, true, nil
	}
	if err := m.send(from, to, amount, ledger.JournalTypeCollateralOut); err != nil {
		return nil, false, fmt.Errorf("withdraw collateral: %w", err)
	}
	return amount, false, nil
}

// send transfers to the to identity, falling back to an immediate
// withdrawal-queue entry when to is blocked for the token.
func (m *Manager) send(from ledger.AccountKey, to common.Address, amount *uint256.Int, jt ledger.JournalType) error {
	dest := ledger.NewUserAccountKey(to, from.Token)
	if m.Tracker.IsBlocked(dest) {
		return m.Queue.AddImmediate(to, from, amount)
	}
	return m.Tracker.Transfer(from, dest, amount, jt)
}

// QuotaResult is the effect of one quota update on the position's mask
type QuotaResult struct {
	Update  *state.QuotaUpdate
	Enable  state.TokenMask
	Disable state.TokenMask
}

// UpdateQuota truncates change to the quota granularity and applies it.
// Interest accrued on the old quota and any increase fee are added to the
// position's quota-interest accumulator.
func (m *Manager) UpdateQuota(pos *state.Position, token common.Address, change *uint256.Int, decrease bool, minQuota *uint256.Int, now int64) (*QuotaResult, error) {
	if token == m.Tokens.Underlying() {
		return nil, ErrUnderlyingNotQuotable
	}
	mask, err := m.Tokens.MaskOf(token)
	if err != nil {
		return nil, err
	}
	upd, err := m.Quotas.UpdateQuota(pos.ID, token, state.TruncateQuotaChange(change), !decrease,
		fpmath.OrZero(minQuota), m.Params.MaxQuota(), now)
	if err != nil {
		return nil, err
	}

	m.Positions.Touch(pos)
	pos.QuotaInterest.Add(&pos.QuotaInterest, upd.Interest)
	pos.QuotaInterest.Add(&pos.QuotaInterest, upd.Fees)

	res := &QuotaResult{Update: upd}
	if upd.EnableToken {
		res.Enable = mask
	}
	if upd.DisableToken {
		res.Disable = mask
	}
	return res, nil
}

// ExternalCall runs the adapter registered under adapterID with an explicit
// context bound to the position and the adapter's target venue.
func (m *Manager) ExternalCall(pos *state.Position, adapterID common.Address, payload []byte, now int64, dispatcher adapter.Dispatcher) (enable, disable state.TokenMask, err error) {
	binding, err := m.Adapters.Lookup(adapterID)
	if err != nil {
		return state.TokenMask{}, state.TokenMask{}, err
	}
	ctx := adapter.NewContext(pos.ID, binding.Target, now, m.Tracker, m.Tokens, m.Prices, dispatcher)
	enable, disable, err = binding.Adapter.Execute(ctx, payload)
	if err != nil {
		return state.TokenMask{}, state.TokenMask{}, fmt.Errorf("adapter %s: %w", adapterID.Hex(), err)
	}
	return enable, disable, nil
}

func isMax(v *uint256.Int) bool {
	return v.Eq(new(uint256.Int).SetAllOne())
}
