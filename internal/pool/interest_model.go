package pool

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrInvalidInterestModel = errors.New("invalid interest model")

// InterestModel is a two-slope borrow rate curve. All fields are basis points;
// utilisation beyond Kink is charged Slope2 on top of the rate at the kink.
type InterestModel struct {
	BaseRate uint64 `json:"base_rate" yaml:"base_rate"`
	Slope1   uint64 `json:"slope1" yaml:"slope1"`
	Slope2   uint64 `json:"slope2" yaml:"slope2"`
	Kink     uint64 `json:"kink" yaml:"kink"`
}

// DefaultInterestModel is a 2% base, 15% to an 80% kink, 60% beyond.
var DefaultInterestModel = InterestModel{BaseRate: 200, Slope1: 1_500, Slope2: 6_000, Kink: 8_000}

func (m InterestModel) Validate() error {
	if m.Kink == 0 || m.Kink >= fpmath.PercentageFactor {
		return fmt.Errorf("%w: kink must be in (0, %d), got %d", ErrInvalidInterestModel, fpmath.PercentageFactor, m.Kink)
	}
	if m.Slope2 < m.Slope1 {
		return fmt.Errorf("%w: slope2 (%d) below slope1 (%d)", ErrInvalidInterestModel, m.Slope2, m.Slope1)
	}
	return nil
}

// Utilisation returns borrowed / (available + borrowed) in bps. An empty pool
// has zero utilisation.
func Utilisation(borrowed, available *uint256.Int) uint64 {
	if borrowed.IsZero() {
		return 0
	}
	total := new(uint256.Int).Add(borrowed, available)
	return fpmath.MustMulDiv(borrowed, fpmath.BPS, total, fpmath.RoundDown).Uint64()
}

// BorrowRate derives the yearly borrow rate in bps at the given utilisation.
func (m InterestModel) BorrowRate(utilisationBps uint64) uint64 {
	rate := m.BaseRate
	if utilisationBps <= m.Kink {
		return rate + m.Slope1*utilisationBps/fpmath.PercentageFactor
	}
	rate += m.Slope1 * m.Kink / fpmath.PercentageFactor
	excess := utilisationBps - m.Kink
	return rate + m.Slope2*excess/fpmath.PercentageFactor
}
