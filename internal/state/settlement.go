package state

import (
	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

// ClosureKind selects the settlement formula
type ClosureKind int

const (
	ClosureClose ClosureKind = iota
	ClosureLiquidation
	ClosureLiquidationExpired
)

func (k ClosureKind) String() string {
	switch k {
	case ClosureClose:
		return "Close"
	case ClosureLiquidation:
		return "Liquidation"
	case ClosureLiquidationExpired:
		return "LiquidationExpired"
	default:
		return "Unknown"
	}
}

// IsLiquidation reports whether the kind discounts collateral.
func (k ClosureKind) IsLiquidation() bool {
	return k == ClosureLiquidation || k == ClosureLiquidationExpired
}

// SettlementInput is what a closing position owes and holds, in underlying units.
type SettlementInput struct {
	Principal             *uint256.Int
	PrincipalWithInterest *uint256.Int // principal + base and quota interest
	TotalValue            *uint256.Int // undiscounted collateral value
}

// Settlement is the split of a closing position's value.
type Settlement struct {
	Kind           ClosureKind  `json:"kind"`
	AmountToPool   *uint256.Int `json:"amount_to_pool"`
	RemainingFunds *uint256.Int `json:"remaining_funds"`
	Profit         *uint256.Int `json:"profit"`
	Loss           *uint256.Int `json:"loss"`
}

// Settle computes the pool repayment, owner remainder and profit or loss
// for a closing position. Remaining funds and loss are never both positive.
func Settle(in SettlementInput, kind ClosureKind, params *CreditParams) *Settlement {
	interest := fpmath.SubFloor(in.PrincipalWithInterest, in.Principal)
	amountToPool := new(uint256.Int).Add(in.PrincipalWithInterest, fpmath.PercentMul(interest, uint64(params.FeeInterest)))

	out := &Settlement{
		Kind:           kind,
		RemainingFunds: new(uint256.Int),
		Profit:         new(uint256.Int),
		Loss:           new(uint256.Int),
	}

	if !kind.IsLiquidation() {
		out.AmountToPool = amountToPool
		out.Profit = fpmath.SubFloor(amountToPool, in.PrincipalWithInterest)
		return out
	}

	fee, discount := params.LiquidationTerms(kind == ClosureLiquidationExpired)
	fundsAvailable := fpmath.PercentMul(in.TotalValue, uint64(discount))
	amountToPool.Add(amountToPool, fpmath.PercentMul(in.TotalValue, uint64(fee)))

	out.AmountToPool = fpmath.Min(fundsAvailable, amountToPool)
	out.RemainingFunds = fpmath.SubFloor(fundsAvailable, out.AmountToPool)
	if !fundsAvailable.Lt(in.PrincipalWithInterest) {
		out.Profit = fpmath.SubFloor(out.AmountToPool, in.PrincipalWithInterest)
	} else {
		out.Loss = fpmath.SubFloor(in.PrincipalWithInterest, out.AmountToPool)
	}
	return out
}
