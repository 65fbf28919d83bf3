package core

import (
	"fmt"
	"strconv"

	"CreditLedger/internal/bots"
	"CreditLedger/internal/event"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/oracle"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BatchContext is the working state of one batch. The enabled-token mask is
// edited here and written to the position once, after the last operation.
type BatchContext struct {
	Position    *state.Position
	Caller      common.Address
	Permissions Permission
	Block       uint64
	Now         int64

	EnabledTokens state.TokenMask

	ExternalCallMade    bool
	DebtIncreased       bool
	CollateralWithdrawn bool
	Liquidation         bool // liquidator batches skip the strict forbidden rule

	// forbidden tokens enabled when the batch started, with their balances
	ForbiddenEnabledBefore state.TokenMask
	ForbiddenBalances      []state.BalanceWithMask

	Hints           []uint8
	MinHealthFactor uint16

	expected       []state.BalanceWithMask
	expectedStored bool
}

func (c *DeterministicCore) newBatchContext(pos *state.Position, meta *event.Meta, perms Permission) *BatchContext {
	forbidden := pos.EnabledTokens.And(c.governor.ForbiddenMask)
	return &BatchContext{
		Position:               pos,
		Caller:                 meta.Caller,
		Permissions:            perms,
		Block:                  meta.Block,
		Now:                    meta.Timestamp,
		EnabledTokens:          pos.EnabledTokens,
		ForbiddenEnabledBefore: forbidden,
		ForbiddenBalances:      state.SnapshotBalances(c.mgr, pos.ID, c.registry, forbidden),
	}
}

// applyPriceUpdates consumes the leading on-demand price updates of ops and
// returns the rest.
func (c *DeterministicCore) applyPriceUpdates(ops []event.Op) ([]event.Op, error) {
	i := 0
	for ; i < len(ops) && ops[i].Code == event.OpOnDemandPriceUpdate; i++ {
		var u event.PriceUpdate
		if err := ops[i].Decode(&u); err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrInvalidCall, i, err)
		}
		signed := &oracle.SignedPrice{Token: u.Token, Price: u.Price, Timestamp: u.Timestamp, Signature: u.Signature}
		if err := c.oracle.UpdatePrice(signed, u.Reserve); err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, ops[i].Code, err)
		}
	}
	return ops[i:], nil
}

// executeBatch runs ops in order against bc. Any failure aborts the whole
// call.
func (c *DeterministicCore) executeBatch(bc *BatchContext, ops []event.Op) error {
	for i := range ops {
		op := &ops[i]
		if op.Code == event.OpOnDemandPriceUpdate {
			return fmt.Errorf("op %d: %w", i, ErrPriceUpdateNotLeading)
		}
		required, ok := requiredPermission(op.Code)
		if !ok {
			return fmt.Errorf("op %d: %w: %s", i, ErrUnknownOperation, op.Code)
		}
		if !bc.Permissions.Has(required) {
			return fmt.Errorf("op %d: %w: %s", i, ErrMissingPermission, op.Code)
		}
		if err := c.executeOp(bc, op); err != nil {
			return fmt.Errorf("op %d (%s): %w", i, op.Code, err)
		}
	}
	return nil
}

func (c *DeterministicCore) executeOp(bc *BatchContext, op *event.Op) error {
	pos := bc.Position
	switch op.Code {
	case event.OpStoreExpectedBalances:
		var p event.ExpectedBalances
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		if bc.expectedStored {
			return ErrExpectedBalancesSet
		}
		expected, err := state.StoreExpectedBalances(c.mgr, pos.ID, c.registry, p.Deltas)
		if err != nil {
			return err
		}
		bc.expected, bc.expectedStored = expected, true

	case event.OpCompareBalances:
		if !bc.expectedStored {
			return ErrExpectedBalancesNotSet
		}
		if err := state.CompareBalances(c.mgr, pos.ID, bc.expected); err != nil {
			return err
		}
		bc.expected, bc.expectedStored = nil, false

	case event.OpSetFullCheckParams:
		var p event.FullCheckParams
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		if p.MinHealthFactor < 10_000 {
			return fmt.Errorf("%w: %d", state.ErrIncorrectHealthFactor, p.MinHealthFactor)
		}
		hints := make([]uint8, 0, len(p.Hints))
		for _, token := range p.Hints {
			mask, err := c.registry.MaskOf(token)
			if err != nil {
				return err
			}
			bit, _ := mask.Single()
			hints = append(hints, bit)
		}
		bc.Hints, bc.MinHealthFactor = hints, p.MinHealthFactor

	case event.OpAddCollateral:
		var p event.CollateralChange
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		return c.addCollateral(bc, p.Token, p.Amount)

	case event.OpAddCollateralWithPermit:
		var p event.CollateralPermit
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		// a failed permit is ignored; the transfer below then relies on an
		// existing allowance
		snap := c.undo.Snapshot()
		err := c.tracker.ApplyPermit(&ledger.Permit{
			Owner:     bc.Caller,
			Spender:   c.mgr.Address,
			Token:     p.Token,
			Amount:    p.Amount,
			Deadline:  p.Deadline,
			Signature: p.Signature,
		}, bc.Now)
		if err != nil {
			c.undo.RevertTo(snap)
			c.log.Debug().Err(err).Str("owner", bc.Caller.Hex()).Msg("permit ignored")
		} else {
			c.undo.Commit()
		}
		return c.addCollateral(bc, p.Token, p.Amount)

	case event.OpIncreaseDebt:
		var p event.DebtChange
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		if err := c.checkStrictForbidden(bc); err != nil {
			return err
		}
		if p.Amount == nil {
			return fmt.Errorf("%w: missing amount", ErrInvalidCall)
		}
		if err := c.governor.CheckBorrow(p.Amount, &c.params.MaxDebt, bc.Block); err != nil {
			return err
		}
		if _, err := c.mgr.IncreaseDebt(pos, p.Amount, bc.Block, bc.Now); err != nil {
			return err
		}
		bc.DebtIncreased = true

	case event.OpDecreaseDebt:
		var p event.DebtChange
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		if p.Amount == nil {
			return fmt.Errorf("%w: missing amount", ErrInvalidCall)
		}
		if _, err := c.mgr.DecreaseDebt(pos, p.Amount, bc.Block, bc.Now); err != nil {
			return err
		}

	case event.OpUpdateQuota:
		var p event.QuotaChange
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		if p.Change == nil {
			return fmt.Errorf("%w: missing change", ErrInvalidCall)
		}
		if !p.Decrease {
			mask, err := c.registry.MaskOf(p.Token)
			if err != nil {
				return err
			}
			if mask.Intersects(c.governor.ForbiddenMask) {
				return fmt.Errorf("%w: %s", ErrForbiddenQuotaIncrease, p.Token.Hex())
			}
		}
		res, err := c.mgr.UpdateQuota(pos, p.Token, p.Change, p.Decrease, p.MinQuota, bc.Now)
		if err != nil {
			return err
		}
		bc.EnabledTokens = bc.EnabledTokens.Or(res.Enable).AndNot(res.Disable)

	case event.OpWithdrawCollateral:
		var p event.CollateralWithdrawal
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		if err := c.checkStrictForbidden(bc); err != nil {
			return err
		}
		if p.Amount == nil || p.To == (common.Address{}) {
			return fmt.Errorf("%w: withdrawal needs an amount and a recipient", ErrInvalidCall)
		}
		amount, scheduled, err := c.mgr.WithdrawCollateral(pos, p.Token, p.Amount, p.To, bc.Now)
		if err != nil {
			return err
		}
		bc.CollateralWithdrawn = true
		if scheduled {
			c.emitEvent(event.DomainWithdrawalScheduled, pos.ID, map[string]string{
				"token":      p.Token.Hex(),
				"amount":     amount.Dec(),
				"to":         p.To.Hex(),
				"matures_at": strconv.FormatInt(bc.Now+c.params.WithdrawalDelay, 10),
			})
		}

	case event.OpSetBotPermissions:
		var p event.BotPermissions
		if err := decodeOp(op, &p); err != nil {
			return err
		}
		perms := Permission(p.Permissions)
		if perms&^PermBotGrantable != 0 {
			return fmt.Errorf("%w: %#x", ErrInvalidBotPermissions, p.Permissions)
		}
		if _, forbidden, _ := c.bots.PermissionsOf(p.Bot, pos.ID); forbidden && perms != 0 {
			return fmt.Errorf("%w: bot %s is forbidden", ErrInvalidBotPermissions, p.Bot.Hex())
		}
		active := c.bots.SetPermissions(pos.ID, p.Bot, bots.Permissions(perms))
		c.mgr.SetFlag(pos, state.FlagBotPermissions, active > 0)
		c.emitEvent(event.DomainBotPermissionsUpdated, pos.ID, map[string]string{
			"bot":         p.Bot.Hex(),
			"permissions": strconv.FormatUint(p.Permissions, 10),
		})

	case event.OpExternalCall:
		enable, disable, err := c.mgr.ExternalCall(pos, op.Target, op.Data, bc.Now, c)
		if err != nil {
			return err
		}
		// quoted tokens are only switched by quota updates
		quoted := c.registry.QuotedMask()
		bc.EnabledTokens = bc.EnabledTokens.Or(enable.AndNot(quoted)).AndNot(disable.AndNot(quoted))
		bc.ExternalCallMade = true
	}
	c.touch(pos)
	return nil
}

func decodeOp(op *event.Op, v any) error {
	if err := op.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	return nil
}

func (c *DeterministicCore) addCollateral(bc *BatchContext, token common.Address, amount *uint256.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: missing amount", ErrInvalidCall)
	}
	mask, err := c.mgr.AddCollateral(bc.Caller, bc.Position, token, amount)
	if err != nil {
		return err
	}
	bc.EnabledTokens = bc.EnabledTokens.Or(mask.AndNot(c.registry.QuotedMask()))
	return nil
}

// checkStrictForbidden blocks borrowing and withdrawals while any forbidden
// token is enabled.
func (c *DeterministicCore) checkStrictForbidden(bc *BatchContext) error {
	if !c.params.StrictForbiddenChecks || bc.Liquidation {
		return nil
	}
	if enabled := bc.EnabledTokens.And(c.governor.ForbiddenMask); !enabled.IsZero() {
		return fmt.Errorf("%w: %s", ErrForbiddenTokensEnabled, enabled)
	}
	return nil
}

// finishBatch writes the mask back and runs the closing checks: pending
// expected balances, the full collateral check, the enabled-token cap and
// the forbidden-token rules.
func (c *DeterministicCore) finishBatch(bc *BatchContext) (*state.CollateralDebtData, error) {
	pos := bc.Position
	if bc.expectedStored {
		if err := state.CompareBalances(c.mgr, pos.ID, bc.expected); err != nil {
			return nil, err
		}
	}
	c.mgr.SetEnabledTokens(pos, bc.EnabledTokens)

	forbidden := c.governor.ForbiddenMask
	enabledForbidden := pos.EnabledTokens.And(forbidden)
	data, err := c.mgr.Evaluate(state.EvalRequest{
		Position:        pos,
		Mode:            state.ModeFullCheck,
		Now:             bc.Now,
		Hints:           bc.Hints,
		MinHealthFactor: bc.MinHealthFactor,
		SafePrices:      !enabledForbidden.IsZero() || bc.CollateralWithdrawn,
	})
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.EvaluatorTokensScanned.WithLabelValues("full_check").Observe(float64(data.TokensScanned))
		c.metrics.HealthFactor.Observe(float64(data.HealthFactor()))
	}
	c.mgr.SetEnabledTokens(pos, data.EnabledTokens)

	if err := state.CheckEnabledTokensLimit(pos.EnabledTokens, c.params.MaxEnabledTokens); err != nil {
		return nil, err
	}

	if added := pos.EnabledTokens.And(forbidden).AndNot(bc.ForbiddenEnabledBefore); !added.IsZero() {
		return nil, fmt.Errorf("%w: newly enabled %s", ErrForbiddenTokensEnabled, added)
	}
	for _, rec := range bc.ForbiddenBalances {
		if !pos.EnabledTokens.Intersects(rec.Mask) {
			continue
		}
		if now := c.mgr.PositionBalance(pos.ID, rec.Token); now.Gt(rec.Balance) {
			return nil, fmt.Errorf("%w: %s from %s to %s", ErrForbiddenBalanceIncreased,
				rec.Token.Hex(), rec.Balance.Dec(), now.Dec())
		}
	}
	c.touch(pos)
	return data, nil
}
