package core

import (
	"fmt"

	"CreditLedger/internal/bots"
	"CreditLedger/internal/event"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/state"
	"CreditLedger/internal/undo"

	"github.com/google/uuid"
)

// --- System calls: token movements outside any position ---

// handleMint credits test or bridged tokens. Configurator only.
func (c *DeterministicCore) handleMint(e *event.Mint) (*Receipt, error) {
	if e.Caller != c.configurator {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigurator, e.Caller.Hex())
	}
	if e.Amount == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrInvalidCall)
	}
	if err := c.tracker.Mint(ledger.NewUserAccountKey(e.To, e.Token), e.Amount); err != nil {
		return nil, err
	}
	return &Receipt{}, nil
}

func (c *DeterministicCore) handleApprove(e *event.Approve) (*Receipt, error) {
	if e.Amount == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrInvalidCall)
	}
	c.tracker.Approve(e.Caller, e.Spender, e.Token, e.Amount)
	return &Receipt{}, nil
}

func (c *DeterministicCore) handleSupplyLiquidity(e *event.SupplyLiquidity) (*Receipt, error) {
	if e.Amount == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrInvalidCall)
	}
	if err := c.pool.Supply(e.Caller, e.Amount, e.Timestamp); err != nil {
		return nil, err
	}
	return &Receipt{}, nil
}

func (c *DeterministicCore) handleWithdrawLiquidity(e *event.WithdrawLiquidity) (*Receipt, error) {
	if e.Amount == nil {
		return nil, fmt.Errorf("%w: missing amount", ErrInvalidCall)
	}
	if err := c.pool.Withdraw(e.Caller, e.Amount, e.Timestamp); err != nil {
		return nil, err
	}
	return &Receipt{}, nil
}

// --- Configurator calls ---

func (c *DeterministicCore) handleAdmin(call event.Call) error {
	meta := call.Header()
	switch e := call.(type) {
	case *event.SetDebtLimits:
		if e.MinDebt == nil || e.MaxDebt == nil || e.MinDebt.Gt(e.MaxDebt) {
			return fmt.Errorf("%w: debt limits must satisfy min <= max", ErrInvalidCall)
		}
		undo.SetValue(c.undo, &c.params.MinDebt, *e.MinDebt)
		undo.SetValue(c.undo, &c.params.MaxDebt, *e.MaxDebt)

	case *event.SetMaxDebtPerBlockMultiplier:
		c.governor.SetMultiplier(e.Multiplier)

	case *event.SetTokenForbidden:
		mask, err := c.registry.MaskOf(e.Token)
		if err != nil {
			return err
		}
		if mask == state.UnderlyingMask {
			return fmt.Errorf("%w: the underlying cannot be forbidden", ErrInvalidCall)
		}
		c.governor.SetForbidden(mask, e.Forbidden)

	case *event.SetEmergencyLiquidator:
		c.governor.SetEmergencyLiquidator(e.Liquidator, e.Allowed)

	case *event.SetLossParams:
		if e.MaxCumulativeLoss == nil {
			return fmt.Errorf("%w: missing max cumulative loss", ErrInvalidCall)
		}
		c.governor.SetLossParams(e.MaxCumulativeLoss, e.Reset)

	case *event.Pause:
		c.governor.SetPaused(true)
		c.emitEvent(event.DomainFacadePaused, uuid.Nil, map[string]string{"by": meta.Caller.Hex()})

	case *event.Unpause:
		c.governor.SetPaused(false)

	case *event.SetExpiration:
		c.governor.SetExpiration(e.Expirable, e.Date)

	case *event.RampLiquidationThreshold:
		if err := c.registry.RampLiquidationThreshold(e.Token, e.Final, e.RampStart, e.Duration); err != nil {
			return err
		}

	case *event.SetPrice:
		if e.Price == nil {
			return fmt.Errorf("%w: missing price", ErrInvalidCall)
		}
		if err := c.oracle.SetPrice(e.Token, e.Price, e.Reserve, meta.Timestamp); err != nil {
			return err
		}

	case *event.SetBotStatus:
		special := Permission(e.Special)
		if special&^PermBotGrantable != 0 {
			return fmt.Errorf("%w: %#x", ErrInvalidBotPermissions, e.Special)
		}
		c.bots.SetForbidden(e.Bot, e.Forbidden)
		c.bots.SetSpecial(e.Bot, bots.Permissions(special))

	case *event.SetQuotaParams:
		if e.Limit == nil {
			return fmt.Errorf("%w: missing quota limit", ErrInvalidCall)
		}
		if err := c.quotas.SetParams(e.Token, e.Rate, e.IncreaseFee, e.Limit, meta.Timestamp); err != nil {
			return err
		}

	case *event.SetTokenBlocked:
		c.tracker.SetBlocked(ledger.NewUserAccountKey(e.Holder, e.Token), e.Blocked)

	default:
		return fmt.Errorf("%w: unhandled admin call %T", ErrInvalidCall, call)
	}

	c.log.Info().
		Str("call_type", call.CallType().String()).
		Str("idempotency_key", meta.Key).
		Msg("configuration changed")
	return nil
}
