// internal/math/fixedpoint.go
package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// Fixed-point scales used across the ledger. Indices are RAY-scaled, health
// factors and fees are expressed in basis points of PercentageFactor.
const (
	PercentageFactor uint64 = 10_000
	SecondsPerYear   uint64 = 365 * 24 * 60 * 60
	PriceDecimals           = 8
)

var (
	RAY  = uint256.MustFromDecimal("1000000000000000000000000000")
	WAD  = uint256.NewInt(1_000_000_000_000_000_000)
	BPS  = uint256.NewInt(PercentageFactor)
	zero = uint256.NewInt(0)
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulDiv computes x*y/d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		if z, overflow = z.AddOverflow(z, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return z, nil
}

// MustMulDiv is MulDiv for operands whose bounds are already established by
// the caller (fees in basis points, prices with fixed decimals).
func MustMulDiv(x, y, d *uint256.Int, mode RoundingMode) *uint256.Int {
	z, err := MulDiv(x, y, d, mode)
	if err != nil {
		panic("FATAL: " + err.Error())
	}
	return z
}

// PercentMul returns x * bps / 10_000, rounded down.
func PercentMul(x *uint256.Int, bps uint64) *uint256.Int {
	return MustMulDiv(x, uint256.NewInt(bps), BPS, RoundDown)
}

// PercentDiv returns x * 10_000 / bps, rounded down.
func PercentDiv(x *uint256.Int, bps uint64) *uint256.Int {
	return MustMulDiv(x, BPS, uint256.NewInt(bps), RoundDown)
}

// Add returns x + y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SubFloor returns max(x - y, 0).
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

func Max(x, y *uint256.Int) *uint256.Int {
	if x.Gt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// Pow10 returns 10^n for token decimal scaling.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

// IsZero reports whether v is nil or zero.
func IsZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// Zero returns a shared read-only zero. Callers must not mutate it.
func Zero() *uint256.Int {
	return zero
}
