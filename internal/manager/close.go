package manager

import (
	"fmt"

	"CreditLedger/internal/ledger"
	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CloseRequest describes a position leaving the system.
type CloseRequest struct {
	Position *state.Position
	Data     *state.CollateralDebtData // ModeDebtCollateral for liquidations
	Kind     state.ClosureKind
	Payer    common.Address // covers any underlying shortfall
	To       common.Address // receives swept collateral
	SkipMask state.TokenMask
	Now      int64
}

// Closure is the outcome of CloseOrLiquidate
type Closure struct {
	Settlement *state.Settlement `json:"settlement"`
	Shortfall  *uint256.Int      `json:"shortfall"`
	Swept      state.TokenMask   `json:"swept"`
}

// CloseOrLiquidate settles the position: the underlying owed to the pool
// and to the owner is topped up from the payer if the position lacks it,
// the pool is repaid with the profit or loss signal, remaining funds go to
// the owner, quotas are removed and every enabled balance outside the skip
// mask is swept to To. The position is then deactivated.
func (m *Manager) CloseOrLiquidate(req CloseRequest) (*Closure, error) {
	pos := req.Position
	data := req.Data
	s := state.Settle(state.SettlementInput{
		Principal:             data.Debt,
		PrincipalWithInterest: data.PrincipalWithInterest(),
		TotalValue:            fpmath.OrZero(data.TotalValue),
	}, req.Kind, m.Params)

	underlying := m.Tokens.Underlying()
	posKey := ledger.NewPositionAccountKey(pos.ID, underlying)
	out := &Closure{Settlement: s, Shortfall: new(uint256.Int)}

	needed := new(uint256.Int).Add(s.AmountToPool, s.RemainingFunds)
	if have := m.Tracker.GetBalance(posKey); have.Lt(needed) {
		out.Shortfall.Sub(needed, have)
		if err := m.Tracker.TransferFrom(m.Address, req.Payer, posKey, out.Shortfall, ledger.JournalTypeShortfall); err != nil {
			return nil, fmt.Errorf("cover shortfall: %w", err)
		}
	}

	if !s.AmountToPool.IsZero() || !data.Debt.IsZero() {
		if err := m.Tracker.Transfer(posKey, ledger.NewPoolAccountKey(underlying), s.AmountToPool, ledger.JournalTypeRepay); err != nil {
			return nil, fmt.Errorf("repay pool: %w", err)
		}
		if err := m.Pool.Repay(data.Debt, s.Profit, s.Loss, req.Now); err != nil {
			return nil, err
		}
	}

	if !s.RemainingFunds.IsZero() {
		if err := m.send(posKey, pos.Owner, s.RemainingFunds, ledger.JournalTypeRemainingFunds); err != nil {
			return nil, fmt.Errorf("remaining funds: %w", err)
		}
	}

	m.Quotas.RemoveQuotas(pos.ID, m.QuotedTokens(pos), !s.Loss.IsZero())

	sweep := pos.EnabledTokens.Or(state.UnderlyingMask).AndNot(req.SkipMask)
	var sweepErr error
	sweep.ForEach(func(bit uint8) bool {
		token := m.Tokens.Entry(bit).Token
		from := ledger.NewPositionAccountKey(pos.ID, token)
		balance := m.Tracker.GetBalance(from)
		if balance.IsZero() {
			return true
		}
		if sweepErr = m.send(from, req.To, balance, ledger.JournalTypeSweep); sweepErr != nil {
			sweepErr = fmt.Errorf("sweep %s: %w", token.Hex(), sweepErr)
			return false
		}
		out.Swept = out.Swept.With(bit)
		return true
	})
	if sweepErr != nil {
		return nil, sweepErr
	}

	status := state.PositionStatusClosed
	if req.Kind.IsLiquidation() {
		status = state.PositionStatusLiquidated
	}
	m.Positions.Deactivate(pos, status)
	return out, nil
}
