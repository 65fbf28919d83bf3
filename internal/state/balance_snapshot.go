package state

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrBalanceLessThanExpected = errors.New("balance less than expected")

// BalanceReader reads a position's token balances.
type BalanceReader interface {
	PositionBalance(positionID uuid.UUID, token common.Address) *uint256.Int
}

// BalanceDelta is a signed expected change of one token balance
type BalanceDelta struct {
	Token    common.Address `json:"token"`
	Amount   *uint256.Int   `json:"amount"`
	Negative bool           `json:"negative,omitempty"`
}

// BalanceWithMask is a recorded balance of one token
type BalanceWithMask struct {
	Token   common.Address
	Mask    TokenMask
	Balance *uint256.Int
}

// StoreExpectedBalances returns current balances shifted by deltas. A
// negative delta larger than the balance floors at zero.
func StoreExpectedBalances(reader BalanceReader, positionID uuid.UUID, registry *TokenRegistry, deltas []BalanceDelta) ([]BalanceWithMask, error) {
	out := make([]BalanceWithMask, 0, len(deltas))
	for _, d := range deltas {
		mask, err := registry.MaskOf(d.Token)
		if err != nil {
			return nil, err
		}
		current := reader.PositionBalance(positionID, d.Token)
		var expected *uint256.Int
		if d.Negative {
			expected = fpmath.SubFloor(current, fpmath.OrZero(d.Amount))
		} else if expected, err = fpmath.Add(current, fpmath.OrZero(d.Amount)); err != nil {
			return nil, err
		}
		out = append(out, BalanceWithMask{Token: d.Token, Mask: mask, Balance: expected})
	}
	return out, nil
}

// SnapshotBalances records the balances of every token in mask.
func SnapshotBalances(reader BalanceReader, positionID uuid.UUID, registry *TokenRegistry, mask TokenMask) []BalanceWithMask {
	out := make([]BalanceWithMask, 0, mask.Count())
	mask.ForEach(func(bit uint8) bool {
		entry := registry.Entry(bit)
		if entry == nil {
			return true
		}
		out = append(out, BalanceWithMask{
			Token:   entry.Token,
			Mask:    MaskOf(bit),
			Balance: reader.PositionBalance(positionID, entry.Token),
		})
		return true
	})
	return out
}

// CompareBalances fails on the first token whose balance is below the record.
func CompareBalances(reader BalanceReader, positionID uuid.UUID, recorded []BalanceWithMask) error {
	for _, rec := range recorded {
		current := reader.PositionBalance(positionID, rec.Token)
		if current.Lt(rec.Balance) {
			return fmt.Errorf("%w: %s has %s, expected at least %s",
				ErrBalanceLessThanExpected, rec.Token.Hex(), current.Dec(), rec.Balance.Dec())
		}
	}
	return nil
}

// RecordedMask is the union of the masks of recorded balances.
func RecordedMask(recorded []BalanceWithMask) TokenMask {
	var m TokenMask
	for _, rec := range recorded {
		m = m.Or(rec.Mask)
	}
	return m
}
