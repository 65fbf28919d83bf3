// internal/math/interest.go
package math

import (
	"github.com/holiman/uint256"
)

// CompoundLinear grows a multiplicative RAY index by rateBps per year over dt
// seconds: index * (1 + rate*dt/year).
func CompoundLinear(index *uint256.Int, rateBps uint64, dt uint64) *uint256.Int {
	if dt == 0 || rateBps == 0 {
		return index.Clone()
	}
	growth := new(uint256.Int).Mul(uint256.NewInt(rateBps), uint256.NewInt(dt))
	denom := new(uint256.Int).Mul(BPS, uint256.NewInt(SecondsPerYear))
	delta := MustMulDiv(index, growth, denom, RoundDown)
	return new(uint256.Int).Add(index, delta)
}

// AdditiveIndex grows an additive RAY index (quota indices start at zero):
// index + RAY*rate*dt/(10_000*year).
func AdditiveIndex(index *uint256.Int, rateBps uint64, dt uint64) *uint256.Int {
	if dt == 0 || rateBps == 0 {
		return index.Clone()
	}
	growth := new(uint256.Int).Mul(uint256.NewInt(rateBps), uint256.NewInt(dt))
	denom := new(uint256.Int).Mul(BPS, uint256.NewInt(SecondsPerYear))
	delta := MustMulDiv(RAY, growth, denom, RoundDown)
	return new(uint256.Int).Add(index, delta)
}

// AccruedInterest returns debt*indexNow/indexLastUpdate - debt.
func AccruedInterest(debt, indexNow, indexLastUpdate *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return new(uint256.Int), nil
	}
	withInterest, err := MulDiv(debt, indexNow, indexLastUpdate, RoundDown)
	if err != nil {
		return nil, err
	}
	return SubFloor(withInterest, debt), nil
}

// QuotaInterest returns quota * (indexNow - indexLastUpdate) / RAY.
func QuotaInterest(quota, indexNow, indexLastUpdate *uint256.Int) *uint256.Int {
	if quota.IsZero() || !indexNow.Gt(indexLastUpdate) {
		return new(uint256.Int)
	}
	diff := new(uint256.Int).Sub(indexNow, indexLastUpdate)
	return MustMulDiv(quota, diff, RAY, RoundDown)
}

// CalcIncrease returns the principal and index checkpoint after borrowing
// amount more, leaving already accrued interest untouched:
//
//	newIndex = indexNow*indexLU*(debt+amount) / (indexNow*debt + indexLU*amount)
func CalcIncrease(amount, debt, indexNow, indexLastUpdate *uint256.Int) (newDebt, newIndex *uint256.Int, err error) {
	newDebt, err = Add(debt, amount)
	if err != nil {
		return nil, nil, err
	}
	if debt.IsZero() {
		return newDebt, indexNow.Clone(), nil
	}
	indexProduct, overflow := new(uint256.Int).MulOverflow(indexNow, indexLastUpdate)
	if overflow {
		return nil, nil, ErrOverflow
	}
	left, overflow := new(uint256.Int).MulOverflow(indexNow, debt)
	if overflow {
		return nil, nil, ErrOverflow
	}
	right, overflow := new(uint256.Int).MulOverflow(indexLastUpdate, amount)
	if overflow {
		return nil, nil, ErrOverflow
	}
	denom, err := Add(left, right)
	if err != nil {
		return nil, nil, err
	}
	newIndex, err = MulDiv(indexProduct, newDebt, denom, RoundDown)
	if err != nil {
		return nil, nil, err
	}
	return newDebt, newIndex, nil
}

// DecreaseInput describes a repayment against a position's debt.
type DecreaseInput struct {
	Amount          *uint256.Int
	Debt            *uint256.Int
	IndexNow        *uint256.Int
	IndexLastUpdate *uint256.Int
	QuotaInterest   *uint256.Int
	FeeInterestBps  uint64
}

// DecreaseResult is the position state after a repayment plus what the pool
// receives. AmountToPool excludes Profit.
type DecreaseResult struct {
	NewDebt          *uint256.Int
	NewIndex         *uint256.Int
	NewQuotaInterest *uint256.Int
	AmountToPool     *uint256.Int
	Profit           *uint256.Int
	PrincipalRepaid  *uint256.Int
}

// CalcDecrease applies amount to quota interest first, then to base interest,
// then to principal. Interest and its fee are paid in full before anything
// reduces principal; a partial interest payment is split pro-rata between the
// pool and the fee: toPool = amount*10_000/(10_000+fee).
func CalcDecrease(in DecreaseInput) (*DecreaseResult, error) {
	res := &DecreaseResult{
		NewDebt:          in.Debt.Clone(),
		NewIndex:         in.IndexLastUpdate.Clone(),
		NewQuotaInterest: OrZero(in.QuotaInterest).Clone(),
		AmountToPool:     new(uint256.Int),
		Profit:           new(uint256.Int),
		PrincipalRepaid:  new(uint256.Int),
	}
	remaining := in.Amount.Clone()
	feeFactor := uint256.NewInt(PercentageFactor + in.FeeInterestBps)

	if !res.NewQuotaInterest.IsZero() {
		quotaFee := PercentMul(res.NewQuotaInterest, in.FeeInterestBps)
		owed := new(uint256.Int).Add(res.NewQuotaInterest, quotaFee)
		if !remaining.Lt(owed) {
			remaining.Sub(remaining, owed)
			res.AmountToPool.Add(res.AmountToPool, res.NewQuotaInterest)
			res.Profit.Add(res.Profit, quotaFee)
			res.NewQuotaInterest = new(uint256.Int)
		} else {
			toPool := MustMulDiv(remaining, BPS, feeFactor, RoundDown)
			res.AmountToPool.Add(res.AmountToPool, toPool)
			res.Profit.Add(res.Profit, new(uint256.Int).Sub(remaining, toPool))
			res.NewQuotaInterest.Sub(res.NewQuotaInterest, toPool)
			remaining.Clear()
		}
	}

	if !remaining.IsZero() {
		accrued, err := AccruedInterest(in.Debt, in.IndexNow, in.IndexLastUpdate)
		if err != nil {
			return nil, err
		}
		fee := PercentMul(accrued, in.FeeInterestBps)
		owed := new(uint256.Int).Add(accrued, fee)
		if !remaining.Lt(owed) {
			remaining.Sub(remaining, owed)
			res.AmountToPool.Add(res.AmountToPool, accrued)
			res.Profit.Add(res.Profit, fee)
			res.NewIndex = in.IndexNow.Clone()
		} else {
			toPool := MustMulDiv(remaining, BPS, feeFactor, RoundDown)
			res.AmountToPool.Add(res.AmountToPool, toPool)
			res.Profit.Add(res.Profit, new(uint256.Int).Sub(remaining, toPool))
			// Solve debt*indexNow/newIndex - debt == accrued - toPool.
			target := new(uint256.Int).Add(in.Debt, new(uint256.Int).Sub(accrued, toPool))
			newIndex, err := MulDiv(in.IndexNow, in.Debt, target, RoundDown)
			if err != nil {
				return nil, err
			}
			res.NewIndex = newIndex
			remaining.Clear()
		}
	}

	if !remaining.IsZero() {
		if remaining.Gt(res.NewDebt) {
			remaining.Set(res.NewDebt)
		}
		res.NewDebt.Sub(res.NewDebt, remaining)
		res.PrincipalRepaid = remaining
		res.AmountToPool.Add(res.AmountToPool, remaining)
	}
	return res, nil
}
