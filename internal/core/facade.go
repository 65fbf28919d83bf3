package core

import (
	"fmt"

	"CreditLedger/internal/event"
	"CreditLedger/internal/manager"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// requireActive rejects calls while paused or past expiration.
func (c *DeterministicCore) requireActive(now int64) error {
	if c.governor.Paused {
		return ErrPaused
	}
	if c.governor.IsExpired(now) {
		return ErrExpired
	}
	return nil
}

// ownedPosition loads an active position and checks that caller owns it.
func (c *DeterministicCore) ownedPosition(id uuid.UUID, caller common.Address) (*state.Position, error) {
	pos, err := c.positions.Get(id)
	if err != nil {
		return nil, err
	}
	if pos.Owner != caller {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return pos, nil
}

// runBatch applies price updates, executes ops and runs the closing checks.
func (c *DeterministicCore) runBatch(pos *state.Position, meta *event.Meta, perms Permission, ops []event.Op) (*state.CollateralDebtData, error) {
	rest, err := c.applyPriceUpdates(ops)
	if err != nil {
		return nil, err
	}
	bc := c.newBatchContext(pos, meta, perms)
	if err := c.executeBatch(bc, rest); err != nil {
		return nil, err
	}
	return c.finishBatch(bc)
}

func (c *DeterministicCore) handleOpenPosition(e *event.OpenPosition) (*Receipt, error) {
	if err := c.requireActive(e.Timestamp); err != nil {
		return nil, err
	}
	owner := e.OnBehalfOf
	if owner == (common.Address{}) {
		owner = e.Caller
	}
	if c.whitelisted && owner != e.Caller {
		return nil, fmt.Errorf("%w: %s for %s", ErrNotAllowedOnBehalf, e.Caller.Hex(), owner.Hex())
	}

	id := PositionIDFor(e.Key)
	pos, err := c.mgr.OpenPosition(id, owner, e.Block)
	if err != nil {
		return nil, err
	}
	c.touch(pos)
	data, err := c.runBatch(pos, &e.Meta, PermOpen, e.Ops)
	if err != nil {
		return nil, err
	}

	c.emitEvent(event.DomainPositionOpened, id, map[string]string{
		"owner":  owner.Hex(),
		"caller": e.Caller.Hex(),
		"debt":   pos.Debt.Dec(),
	})
	if c.metrics != nil {
		c.metrics.OpenPositions.Inc()
	}
	return &Receipt{PositionID: &id, HealthFactor: data.HealthFactor()}, nil
}

func (c *DeterministicCore) handleMulticall(e *event.Multicall) (*Receipt, error) {
	if err := c.requireActive(e.Timestamp); err != nil {
		return nil, err
	}
	pos, err := c.ownedPosition(e.PositionID, e.Caller)
	if err != nil {
		return nil, err
	}
	data, err := c.runBatch(pos, &e.Meta, PermAll, e.Ops)
	if err != nil {
		return nil, err
	}
	return &Receipt{PositionID: &pos.ID, HealthFactor: data.HealthFactor()}, nil
}

// handleBotMulticall runs the batch with the bot's permissions. Special
// permissions apply to every position; ordinary grants require the
// position's bot flag.
func (c *DeterministicCore) handleBotMulticall(e *event.BotMulticall) (*Receipt, error) {
	if err := c.requireActive(e.Timestamp); err != nil {
		return nil, err
	}
	pos, err := c.positions.Get(e.PositionID)
	if err != nil {
		return nil, err
	}
	perms, forbidden, special := c.bots.PermissionsOf(e.Caller, pos.ID)
	if perms == 0 || forbidden || (!special && !pos.Flags.Has(state.FlagBotPermissions)) {
		return nil, fmt.Errorf("%w: %s", ErrNotApprovedBot, e.Caller.Hex())
	}
	data, err := c.runBatch(pos, &e.Meta, Permission(perms)&PermBotGrantable, e.Ops)
	if err != nil {
		return nil, err
	}
	return &Receipt{PositionID: &pos.ID, HealthFactor: data.HealthFactor()}, nil
}

// handleClosePosition runs a final batch without a collateral check, then
// requires zero debt and sweeps the position to e.To.
func (c *DeterministicCore) handleClosePosition(e *event.ClosePosition) (*Receipt, error) {
	if c.governor.Paused {
		return nil, ErrPaused
	}
	pos, err := c.ownedPosition(e.PositionID, e.Caller)
	if err != nil {
		return nil, err
	}
	skip, err := c.skipMask(e.SkipTokens)
	if err != nil {
		return nil, err
	}

	rest, err := c.applyPriceUpdates(e.Ops)
	if err != nil {
		return nil, err
	}
	bc := c.newBatchContext(pos, &e.Meta, PermClose)
	if err := c.executeBatch(bc, rest); err != nil {
		return nil, err
	}
	if bc.expectedStored {
		if err := state.CompareBalances(c.mgr, pos.ID, bc.expected); err != nil {
			return nil, err
		}
	}
	c.mgr.SetEnabledTokens(pos, bc.EnabledTokens)
	if !pos.Debt.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrCloseWithNonZeroDebt, pos.Debt.Dec())
	}

	if err := c.queue.ForceClaim(pos.ID); err != nil {
		return nil, err
	}
	c.mgr.SetFlag(pos, state.FlagPendingWithdrawal, false)
	c.bots.EraseAll(pos.ID)
	c.mgr.SetFlag(pos, state.FlagBotPermissions, false)

	data, err := c.mgr.DebtData(pos, e.Timestamp)
	if err != nil {
		return nil, err
	}
	to := e.To
	if to == (common.Address{}) {
		to = e.Caller
	}
	closure, err := c.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos,
		Data:     data,
		Kind:     state.ClosureClose,
		Payer:    e.Caller,
		To:       to,
		SkipMask: skip,
		Now:      e.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	c.touch(pos)

	record := c.closureRecord(pos, closure, e.Caller)
	c.emitEvent(event.DomainPositionClosed, pos.ID, map[string]string{
		"owner":     pos.Owner.Hex(),
		"to":        to.Hex(),
		"swept":     closure.Swept.String(),
		"shortfall": closure.Shortfall.Dec(),
	})
	if c.metrics != nil {
		c.metrics.OpenPositions.Dec()
	}
	return &Receipt{PositionID: &pos.ID, Closure: record}, nil
}

// handleLiquidatePosition settles an unhealthy position, or a healthy one
// once the facade has expired. While paused only emergency liquidators may
// call. The liquidator's batch may only convert collateral; no enabled
// balance may end lower than it started.
func (c *DeterministicCore) handleLiquidatePosition(e *event.LiquidatePosition) (*Receipt, error) {
	if c.governor.Paused && !c.governor.EmergencyLiquidators[e.Caller] {
		return nil, ErrPaused
	}
	pos, err := c.positions.Get(e.PositionID)
	if err != nil {
		return nil, err
	}
	skip, err := c.skipMask(e.SkipTokens)
	if err != nil {
		return nil, err
	}
	rest, err := c.applyPriceUpdates(e.Ops)
	if err != nil {
		return nil, err
	}

	// immature withdrawals return to the position and count as collateral
	var returned state.TokenMask
	for _, entry := range c.queue.Pending(pos.ID) {
		if entry.Matured(e.Timestamp) {
			continue
		}
		mask, err := c.registry.MaskOf(entry.Token)
		if err != nil {
			return nil, err
		}
		returned = returned.Or(mask)
	}
	if !returned.IsZero() {
		if _, err := c.queue.CancelScheduled(pos.ID, e.Timestamp); err != nil {
			return nil, err
		}
		c.mgr.SetEnabledTokens(pos, pos.EnabledTokens.Or(returned.AndNot(c.registry.QuotedMask())))
	}
	c.mgr.SetFlag(pos, state.FlagPendingWithdrawal, c.queue.HasScheduled(pos.ID))

	data, err := c.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: e.Timestamp})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.EvaluatorTokensScanned.WithLabelValues("debt_collateral").Observe(float64(data.TokensScanned))
	}
	kind := state.ClosureLiquidation
	if !data.Liquidatable() {
		if c.governor.Paused || !c.governor.IsExpired(e.Timestamp) {
			if c.metrics != nil {
				c.metrics.Liquidations.WithLabelValues(kind.String(), "healthy").Inc()
			}
			return nil, fmt.Errorf("%w: health factor %d", ErrNotLiquidatable, data.HealthFactor())
		}
		kind = state.ClosureLiquidationExpired
	}

	before := state.SnapshotBalances(c.mgr, pos.ID, c.registry, pos.EnabledTokens.AndNot(state.UnderlyingMask))
	bc := c.newBatchContext(pos, &e.Meta, PermLiquidate)
	bc.Liquidation = true
	if err := c.executeBatch(bc, rest); err != nil {
		return nil, err
	}
	c.mgr.SetEnabledTokens(pos, bc.EnabledTokens)
	if err := state.CompareBalances(c.mgr, pos.ID, before); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCollateralDecreased, err)
	}
	c.bots.EraseAll(pos.ID)
	c.mgr.SetFlag(pos, state.FlagBotPermissions, false)

	to := e.To
	if to == (common.Address{}) {
		to = e.Caller
	}
	closure, err := c.mgr.CloseOrLiquidate(manager.CloseRequest{
		Position: pos,
		Data:     data,
		Kind:     kind,
		Payer:    e.Caller,
		To:       to,
		SkipMask: skip,
		Now:      e.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	c.touch(pos)

	if loss := closure.Settlement.Loss; !loss.IsZero() {
		c.recordLoss(pos, loss)
	}

	record := c.closureRecord(pos, closure, e.Caller)
	c.emitEvent(event.DomainPositionLiquidated, pos.ID, map[string]string{
		"owner":      pos.Owner.Hex(),
		"liquidator": e.Caller.Hex(),
		"kind":       kind.String(),
		"loss":       closure.Settlement.Loss.Dec(),
		"remaining":  closure.Settlement.RemainingFunds.Dec(),
	})
	if c.metrics != nil {
		c.metrics.Liquidations.WithLabelValues(kind.String(), "settled").Inc()
		c.metrics.OpenPositions.Dec()
	}
	c.log.Info().
		Str("position_id", pos.ID.String()).
		Str("liquidator", e.Caller.Hex()).
		Str("kind", kind.String()).
		Uint64("health_factor", data.HealthFactor()).
		Msg("position liquidated")
	return &Receipt{PositionID: &pos.ID, Closure: record}, nil
}

func (c *DeterministicCore) recordLoss(pos *state.Position, loss *uint256.Int) {
	ev := c.governor.RecordLoss(loss)
	c.emitEvent(event.DomainLossRecorded, pos.ID, map[string]string{
		"loss":            ev.Loss.Dec(),
		"cumulative_loss": ev.CumulativeLoss.Dec(),
	})
	c.emitEvent(event.DomainBorrowingFrozen, pos.ID, nil)
	if ev.Paused {
		c.emitEvent(event.DomainFacadePaused, pos.ID, map[string]string{
			"cumulative_loss":     ev.CumulativeLoss.Dec(),
			"max_cumulative_loss": c.governor.MaxCumulativeLoss.Dec(),
		})
	}
	if c.metrics != nil {
		c.metrics.RealizedLoss.Add(toFloat(ev.Loss))
	}
	c.log.Error().
		Str("position_id", pos.ID.String()).
		Str("loss", ev.Loss.Dec()).
		Str("cumulative_loss", ev.CumulativeLoss.Dec()).
		Bool("paused", ev.Paused).
		Msg("liquidation realised a loss")
}

func (c *DeterministicCore) closureRecord(pos *state.Position, closure *manager.Closure, caller common.Address) *ClosureRecord {
	return &ClosureRecord{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		Kind:       closure.Settlement.Kind,
		Settlement: closure.Settlement,
		Shortfall:  closure.Shortfall,
		Swept:      closure.Swept,
		Caller:     caller,
	}
}

func (c *DeterministicCore) skipMask(tokens []common.Address) (state.TokenMask, error) {
	var mask state.TokenMask
	for _, token := range tokens {
		m, err := c.registry.MaskOf(token)
		if err != nil {
			return state.TokenMask{}, err
		}
		mask = mask.Or(m)
	}
	return mask, nil
}

// handleTransferOwnership hands an active, healthy position to a receiver
// that allowed transfers from the current owner. Bot grants do not carry
// over.
func (c *DeterministicCore) handleTransferOwnership(e *event.TransferOwnership) (*Receipt, error) {
	if c.governor.Paused {
		return nil, ErrPaused
	}
	pos, err := c.ownedPosition(e.PositionID, e.Caller)
	if err != nil {
		return nil, err
	}
	data, err := c.mgr.Evaluate(state.EvalRequest{Position: pos, Mode: state.ModeDebtCollateral, Now: e.Timestamp})
	if err != nil {
		return nil, err
	}
	if data.Liquidatable() {
		return nil, fmt.Errorf("%w: health factor %d", ErrTransferOfLiquidatable, data.HealthFactor())
	}
	from := pos.Owner
	if err := c.positions.TransferOwnership(pos, e.To); err != nil {
		return nil, err
	}
	c.bots.EraseAll(pos.ID)
	c.mgr.SetFlag(pos, state.FlagBotPermissions, false)
	c.touch(pos)

	c.emitEvent(event.DomainOwnershipTransferred, pos.ID, map[string]string{
		"from": from.Hex(),
		"to":   e.To.Hex(),
	})
	return &Receipt{PositionID: &pos.ID}, nil
}

func (c *DeterministicCore) handleAllowTransfer(e *event.AllowTransfer) (*Receipt, error) {
	c.positions.SetTransferAllowed(e.From, e.Caller, e.Allowed)
	return &Receipt{}, nil
}

func (c *DeterministicCore) handleClaimWithdrawals(e *event.ClaimWithdrawals) (*Receipt, error) {
	if c.governor.Paused {
		return nil, ErrPaused
	}
	to := e.To
	if to == (common.Address{}) {
		to = e.Caller
	}
	claimed, err := c.queue.Claim(e.Caller, e.Token, to, e.Timestamp)
	if err != nil {
		return nil, err
	}
	return &Receipt{Claimed: claimed}, nil
}
