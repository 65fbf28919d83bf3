package state

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// NoDebtPerBlockLimit disables the per-block borrowing cap.
const NoDebtPerBlockLimit uint8 = 255

var ErrInvalidCreditParams = errors.New("invalid credit params")

// CreditParams holds fee and limit configuration of the credit engine.
// Fees, discounts and health factors are in basis points.
type CreditParams struct {
	FeeInterest                uint16      `json:"fee_interest"`
	FeeLiquidation             uint16      `json:"fee_liquidation"`
	LiquidationDiscount        uint16      `json:"liquidation_discount"`
	FeeLiquidationExpired      uint16      `json:"fee_liquidation_expired"`
	LiquidationDiscountExpired uint16      `json:"liquidation_discount_expired"`
	MinDebt                    uint256.Int `json:"min_debt"`
	MaxDebt                    uint256.Int `json:"max_debt"`
	MaxEnabledTokens           int         `json:"max_enabled_tokens"`
	QuotaMultiplier            uint64      `json:"quota_multiplier"`
	WithdrawalDelay            int64       `json:"withdrawal_delay"` // seconds; 0 withdraws immediately
	StrictForbiddenChecks      bool        `json:"strict_forbidden_checks"`
}

// DefaultCreditParams returns the parameters used when configuration omits them.
func DefaultCreditParams() CreditParams {
	p := CreditParams{
		FeeInterest:                1_000, // 10% of interest to treasury
		FeeLiquidation:             150,
		LiquidationDiscount:        9_600, // 4% premium
		FeeLiquidationExpired:      100,
		LiquidationDiscountExpired: 9_800,
		MaxEnabledTokens:           12,
		QuotaMultiplier:            2,
		StrictForbiddenChecks:      true,
	}
	p.MinDebt.SetUint64(1_000)
	p.MaxDebt.SetUint64(1_000_000_000)
	return p
}

// MaxQuota is the per-position, per-token quota bound.
func (p *CreditParams) MaxQuota() *uint256.Int {
	return new(uint256.Int).Mul(&p.MaxDebt, uint256.NewInt(p.QuotaMultiplier))
}

// DebtWithinLimits reports whether a resulting principal is allowed. Zero is
// always allowed.
func (p *CreditParams) DebtWithinLimits(debt *uint256.Int) bool {
	if debt.IsZero() {
		return true
	}
	return !debt.Lt(&p.MinDebt) && !debt.Gt(&p.MaxDebt)
}

// ValidateCreditParams checks that parameters are within valid ranges.
func ValidateCreditParams(p *CreditParams) error {
	pf := uint16(fpmath.PercentageFactor)
	if p.FeeInterest >= pf {
		return fmt.Errorf("%w: fee_interest must be < %d, got %d", ErrInvalidCreditParams, pf, p.FeeInterest)
	}
	if p.LiquidationDiscount > pf || p.LiquidationDiscountExpired > pf {
		return fmt.Errorf("%w: liquidation discounts must be <= %d", ErrInvalidCreditParams, pf)
	}
	if p.FeeLiquidation >= p.LiquidationDiscount || p.FeeLiquidationExpired >= p.LiquidationDiscountExpired {
		return fmt.Errorf("%w: liquidation fee must be below discount", ErrInvalidCreditParams)
	}
	if p.LiquidationDiscountExpired < p.LiquidationDiscount {
		return fmt.Errorf("%w: expired discount (%d) must not be below regular discount (%d)",
			ErrInvalidCreditParams, p.LiquidationDiscountExpired, p.LiquidationDiscount)
	}
	if p.MinDebt.Gt(&p.MaxDebt) {
		return fmt.Errorf("%w: min_debt %s above max_debt %s", ErrInvalidCreditParams, p.MinDebt.Dec(), p.MaxDebt.Dec())
	}
	if p.MaxEnabledTokens <= 0 || p.MaxEnabledTokens > MaxTokens-1 {
		return fmt.Errorf("%w: max_enabled_tokens must be in [1, %d], got %d", ErrInvalidCreditParams, MaxTokens-1, p.MaxEnabledTokens)
	}
	if p.QuotaMultiplier == 0 {
		return fmt.Errorf("%w: quota_multiplier must be > 0", ErrInvalidCreditParams)
	}
	if p.WithdrawalDelay < 0 {
		return fmt.Errorf("%w: withdrawal_delay must be >= 0, got %d", ErrInvalidCreditParams, p.WithdrawalDelay)
	}
	return nil
}

// LiquidationTerms returns the fee and discount for a liquidation.
func (p *CreditParams) LiquidationTerms(expired bool) (fee, discount uint16) {
	if expired {
		return p.FeeLiquidationExpired, p.LiquidationDiscountExpired
	}
	return p.FeeLiquidation, p.LiquidationDiscount
}
