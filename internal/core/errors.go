package core

import (
	"errors"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/ledger"
	"CreditLedger/internal/manager"
	"CreditLedger/internal/state"
)

var (
	// authorization
	ErrNotOwner           = errors.New("caller is not the position owner")
	ErrNotConfigurator    = errors.New("caller is not the configurator")
	ErrNotApprovedBot     = errors.New("caller is not an approved bot for the position")
	ErrNotAllowedOnBehalf = errors.New("opening on behalf of another owner is not allowed")

	// state
	ErrPaused     = errors.New("facade is paused")
	ErrExpired    = errors.New("facade is expired")
	ErrReentrancy = errors.New("reentrant call")

	// policy
	ErrUnknownOperation          = errors.New("unknown operation")
	ErrMissingPermission         = errors.New("operation not permitted in this batch")
	ErrPriceUpdateNotLeading     = errors.New("price updates must lead the batch")
	ErrForbiddenTokensEnabled    = errors.New("forbidden tokens enabled")
	ErrForbiddenBalanceIncreased = errors.New("forbidden token balance increased")
	ErrForbiddenQuotaIncrease    = errors.New("quota increase on forbidden token")
	ErrExpectedBalancesNotSet    = errors.New("expected balances were not stored")
	ErrExpectedBalancesSet       = errors.New("expected balances already stored")
	ErrInvalidBotPermissions     = errors.New("bot permissions not grantable")
	ErrCloseWithNonZeroDebt      = errors.New("position closed with non-zero debt")
	ErrCollateralDecreased       = errors.New("liquidation decreased a collateral balance")
	ErrInvalidCall               = errors.New("invalid call")
	ErrInvalidGenesis            = errors.New("invalid genesis")

	// solvency
	ErrNotLiquidatable        = errors.New("position is not liquidatable")
	ErrTransferOfLiquidatable = errors.New("liquidatable position cannot change owner")
)

// ErrorCategory groups failures by what the caller can do about them.
type ErrorCategory int

const (
	CategoryCollaborator ErrorCategory = iota
	CategoryAuthorization
	CategoryState
	CategoryPolicy
	CategorySolvency
	CategoryInvalid
	CategoryOrdering
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryAuthorization:
		return "authorization"
	case CategoryState:
		return "state"
	case CategoryPolicy:
		return "policy"
	case CategorySolvency:
		return "solvency"
	case CategoryInvalid:
		return "invalid"
	case CategoryOrdering:
		return "ordering"
	default:
		return "collaborator"
	}
}

var categories = []struct {
	category ErrorCategory
	errs     []error
}{
	{CategoryOrdering, []error{ErrSequenceGap, ErrOutOfOrder}},
	{CategoryAuthorization, []error{
		ErrNotOwner, ErrNotConfigurator, ErrNotApprovedBot, ErrNotAllowedOnBehalf,
		state.ErrTransferNotAllowed,
	}},
	{CategoryState, []error{
		ErrPaused, ErrExpired, ErrReentrancy,
		state.ErrPositionNotFound, state.ErrPositionExists, state.ErrPositionInactive,
		state.ErrOwnerHasPosition, state.ErrZeroAddressNotAllowed,
	}},
	{CategorySolvency, []error{
		ErrNotLiquidatable, ErrTransferOfLiquidatable, state.ErrNotEnoughCollateral,
	}},
	{CategoryPolicy, []error{
		ErrUnknownOperation, ErrMissingPermission, ErrPriceUpdateNotLeading,
		ErrForbiddenTokensEnabled, ErrForbiddenBalanceIncreased, ErrForbiddenQuotaIncrease,
		ErrExpectedBalancesNotSet, ErrExpectedBalancesSet, ErrInvalidBotPermissions, ErrCloseWithNonZeroDebt, ErrCollateralDecreased,
		manager.ErrDebtOutOfLimits, manager.ErrDebtUpdatedTwice, manager.ErrActiveQuotasOnRepay,
		manager.ErrUnderlyingNotQuotable,
		state.ErrBorrowedBlockLimit, state.ErrDebtLimitsFrozen, state.ErrTooManyEnabledTokens,
		state.ErrIncorrectHealthFactor, state.ErrBalanceLessThanExpected, state.ErrQuotaOutOfBounds,
		state.ErrTokenNotQuoted, state.ErrTokenNotAllowed, adapter.ErrSlippage,
	}},
	{CategoryInvalid, []error{
		ErrInvalidCall, ErrInvalidGenesis, manager.ErrZeroAmount, ledger.ErrZeroAmount, state.ErrInvalidCreditParams,
	}},
}

// Category classifies err. Anything not raised by the engine's own policy
// is a collaborator failure.
func Category(err error) ErrorCategory {
	for _, group := range categories {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.category
			}
		}
	}
	return CategoryCollaborator
}
