package state

import (
	"errors"
	"fmt"

	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrBorrowedBlockLimit = errors.New("borrowed per block limit exceeded")
	ErrDebtLimitsFrozen   = errors.New("borrowing is frozen")
)

// LossEvent is the outcome of recording a realised loss
type LossEvent struct {
	Loss           *uint256.Int
	CumulativeLoss *uint256.Int
	Paused         bool // the loss pushed the engine past its maximum
}

// RiskGovernor is the circuit breaker: cumulative realised loss, pause state,
// per-block borrowing, forbidden tokens and the emergency liquidator list.
type RiskGovernor struct {
	CumulativeLoss            uint256.Int             `json:"cumulative_loss"`
	MaxCumulativeLoss         uint256.Int             `json:"max_cumulative_loss"`
	Paused                    bool                    `json:"paused"`
	MaxDebtPerBlockMultiplier uint8                   `json:"max_debt_per_block_multiplier"`
	BorrowedInBlock           uint256.Int             `json:"borrowed_in_block"`
	LastBorrowBlock           uint64                  `json:"last_borrow_block"`
	ForbiddenMask             TokenMask               `json:"forbidden_mask"`
	Expirable                 bool                    `json:"expirable"`
	ExpirationDate            int64                   `json:"expiration_date"`
	EmergencyLiquidators      map[common.Address]bool `json:"emergency_liquidators"`

	log *undo.Log
}

func NewRiskGovernor(log *undo.Log, maxLoss *uint256.Int, multiplier uint8) *RiskGovernor {
	g := &RiskGovernor{
		MaxDebtPerBlockMultiplier: multiplier,
		EmergencyLiquidators:      make(map[common.Address]bool),
		log:                       log,
	}
	g.MaxCumulativeLoss.Set(maxLoss)
	return g
}

// IsExpired reports whether the engine reached its expiration date.
func (g *RiskGovernor) IsExpired(now int64) bool {
	return g.Expirable && now >= g.ExpirationDate
}

// CheckBorrow tracks amount against the per-block cap of multiplier*maxDebt.
func (g *RiskGovernor) CheckBorrow(amount, maxDebt *uint256.Int, block uint64) error {
	if g.MaxDebtPerBlockMultiplier == NoDebtPerBlockLimit {
		return nil
	}
	if g.MaxDebtPerBlockMultiplier == 0 {
		return ErrDebtLimitsFrozen
	}
	borrowed := new(uint256.Int)
	if g.LastBorrowBlock == block {
		borrowed.Set(&g.BorrowedInBlock)
	}
	borrowed.Add(borrowed, amount)
	limit := new(uint256.Int).Mul(maxDebt, uint256.NewInt(uint64(g.MaxDebtPerBlockMultiplier)))
	if borrowed.Gt(limit) {
		return fmt.Errorf("%w: %s > %s", ErrBorrowedBlockLimit, borrowed.Dec(), limit.Dec())
	}
	undo.SetValue(g.log, &g.BorrowedInBlock, *borrowed)
	undo.SetValue(g.log, &g.LastBorrowBlock, block)
	return nil
}

// RecordLoss adds loss to the cumulative counter, freezes borrowing and
// pauses once the maximum is exceeded.
func (g *RiskGovernor) RecordLoss(loss *uint256.Int) *LossEvent {
	cumulative := new(uint256.Int).Add(&g.CumulativeLoss, loss)
	undo.SetValue(g.log, &g.CumulativeLoss, *cumulative)
	undo.SetValue(g.log, &g.MaxDebtPerBlockMultiplier, 0)

	ev := &LossEvent{Loss: loss.Clone(), CumulativeLoss: cumulative.Clone()}
	if cumulative.Gt(&g.MaxCumulativeLoss) && !g.Paused {
		undo.SetValue(g.log, &g.Paused, true)
		ev.Paused = true
	}
	return ev
}

// SetLossParams changes the maximum and optionally resets the counter.
func (g *RiskGovernor) SetLossParams(maxLoss *uint256.Int, reset bool) {
	undo.SetValue(g.log, &g.MaxCumulativeLoss, *maxLoss)
	if reset {
		undo.SetValue(g.log, &g.CumulativeLoss, uint256.Int{})
	}
}

func (g *RiskGovernor) SetPaused(paused bool) {
	undo.SetValue(g.log, &g.Paused, paused)
}

func (g *RiskGovernor) SetMultiplier(m uint8) {
	undo.SetValue(g.log, &g.MaxDebtPerBlockMultiplier, m)
}

func (g *RiskGovernor) SetForbidden(mask TokenMask, forbidden bool) {
	next := g.ForbiddenMask.Or(mask)
	if !forbidden {
		next = g.ForbiddenMask.AndNot(mask)
	}
	undo.SetValue(g.log, &g.ForbiddenMask, next)
}

func (g *RiskGovernor) SetExpiration(expirable bool, date int64) {
	undo.SetValue(g.log, &g.Expirable, expirable)
	undo.SetValue(g.log, &g.ExpirationDate, date)
}

func (g *RiskGovernor) SetEmergencyLiquidator(who common.Address, allowed bool) {
	if allowed {
		undo.SetMapEntry(g.log, g.EmergencyLiquidators, who, true)
	} else {
		undo.DeleteMapEntry(g.log, g.EmergencyLiquidators, who)
	}
}

// Snapshot returns a deep copy for serialisation.
func (g *RiskGovernor) Snapshot() *RiskGovernor {
	out := *g
	out.log = nil
	out.EmergencyLiquidators = make(map[common.Address]bool, len(g.EmergencyLiquidators))
	for k, v := range g.EmergencyLiquidators {
		out.EmergencyLiquidators[k] = v
	}
	return &out
}

// Restore copies state from a decoded snapshot. Not recorded in the undo log.
func (g *RiskGovernor) Restore(from *RiskGovernor) {
	log := g.log
	*g = *from
	g.log = log
	if g.EmergencyLiquidators == nil {
		g.EmergencyLiquidators = make(map[common.Address]bool)
	}
}
