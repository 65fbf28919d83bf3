package state

import (
	"fmt"
	"math/bits"

	"github.com/holiman/uint256"
)

// MaxTokens is the width of a TokenMask.
const MaxTokens = 256

// UnderlyingMask marks the base asset, bit 0, implicitly enabled on every position.
var UnderlyingMask = MaskOf(0)

// TokenMask is a fixed-width set of collateral token bit positions. Membership
// is O(1) and iteration walks set bits in ascending order.
type TokenMask uint256.Int

// MaskOf returns the mask holding only bit.
func MaskOf(bit uint8) TokenMask {
	var m TokenMask
	m[bit/64] = 1 << (bit % 64)
	return m
}

// MaskOfBits returns the mask holding every bit given.
func MaskOfBits(bitsSet ...uint8) TokenMask {
	var m TokenMask
	for _, b := range bitsSet {
		m[b/64] |= 1 << (b % 64)
	}
	return m
}

func (m TokenMask) Has(bit uint8) bool {
	return m[bit/64]&(1<<(bit%64)) != 0
}

func (m TokenMask) With(bit uint8) TokenMask {
	m[bit/64] |= 1 << (bit % 64)
	return m
}

func (m TokenMask) Without(bit uint8) TokenMask {
	m[bit/64] &^= 1 << (bit % 64)
	return m
}

func (m TokenMask) Or(o TokenMask) TokenMask {
	for i := range m {
		m[i] |= o[i]
	}
	return m
}

func (m TokenMask) And(o TokenMask) TokenMask {
	for i := range m {
		m[i] &= o[i]
	}
	return m
}

func (m TokenMask) AndNot(o TokenMask) TokenMask {
	for i := range m {
		m[i] &^= o[i]
	}
	return m
}

// Intersects reports whether m and o share a bit.
func (m TokenMask) Intersects(o TokenMask) bool {
	return !m.And(o).IsZero()
}

func (m TokenMask) IsZero() bool {
	return m[0]|m[1]|m[2]|m[3] == 0
}

// Count returns the number of set bits.
func (m TokenMask) Count() int {
	return bits.OnesCount64(m[0]) + bits.OnesCount64(m[1]) + bits.OnesCount64(m[2]) + bits.OnesCount64(m[3])
}

// ForEach calls fn for each set bit, lowest first, until fn returns false.
func (m TokenMask) ForEach(fn func(bit uint8) bool) {
	for i, word := range m {
		for word != 0 {
			tz := bits.TrailingZeros64(word)
			if !fn(uint8(i*64 + tz)) {
				return
			}
			word &= word - 1
		}
	}
}

// Bits returns the set bits in ascending order.
func (m TokenMask) Bits() []uint8 {
	out := make([]uint8, 0, m.Count())
	m.ForEach(func(bit uint8) bool {
		out = append(out, bit)
		return true
	})
	return out
}

// Single returns the bit of a one-bit mask.
func (m TokenMask) Single() (uint8, bool) {
	if m.Count() != 1 {
		return 0, false
	}
	return m.Bits()[0], true
}

func (m TokenMask) String() string {
	v := uint256.Int(m)
	return v.Hex()
}

func (m TokenMask) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *TokenMask) UnmarshalText(input []byte) error {
	var v uint256.Int
	if err := v.SetFromHex(string(input)); err != nil {
		return fmt.Errorf("token mask %q: %w", input, err)
	}
	*m = TokenMask(v)
	return nil
}
