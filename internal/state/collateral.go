package state

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotEnoughCollateral   = errors.New("not enough collateral")
	ErrTooManyEnabledTokens  = errors.New("too many enabled tokens")
	ErrIncorrectHealthFactor = errors.New("min health factor below 100%")
)

// PriceFeed converts token amounts to and from USD (8 decimals).
type PriceFeed interface {
	ConvertToUSD(token common.Address, amount *uint256.Int) (*uint256.Int, error)
	SafeConvertToUSD(token common.Address, amount *uint256.Int) (*uint256.Int, error)
	ConvertFromUSD(token common.Address, amountUSD *uint256.Int) (*uint256.Int, error)
}

// CollateralMode selects how much of the scan is performed
type CollateralMode int

const (
	// ModeDebtOnly computes debt without touching collateral.
	ModeDebtOnly CollateralMode = iota
	// ModeFullCheck stops once weighted value covers the requirement and
	// fails if it never does.
	ModeFullCheck
	// ModeDebtCollateral values every enabled token without failing.
	ModeDebtCollateral
)

// EvalRequest carries one evaluation's inputs.
type EvalRequest struct {
	Position        *Position
	Mode            CollateralMode
	IndexNow        *uint256.Int // pool base interest index
	FeeInterest     uint16
	Now             int64
	Hints           []uint8 // suggested scan order of non-quoted tokens
	MinHealthFactor uint16  // bps, 0 means 100%
	SafePrices      bool
}

// CollateralDebtData is the result of an evaluation. USD values carry 8 decimals.
type CollateralDebtData struct {
	Debt            *uint256.Int `json:"debt"`
	IndexNow        *uint256.Int `json:"index_now"`
	IndexLastUpdate *uint256.Int `json:"index_last_update"`
	AccruedInterest *uint256.Int `json:"accrued_interest"`
	QuotaInterest   *uint256.Int `json:"quota_interest"` // accumulated plus pending
	AccruedFees     *uint256.Int `json:"accrued_fees"`
	TotalDebtUSD    *uint256.Int `json:"total_debt_usd"`
	TotalValueUSD   *uint256.Int `json:"total_value_usd"`
	TotalValue      *uint256.Int `json:"total_value"` // underlying units
	TWVUSD          *uint256.Int `json:"twv_usd"`
	EnabledTokens   TokenMask    `json:"enabled_tokens"`
	QuotedTokens    []TokenQuota `json:"-"`
	TokensScanned   int          `json:"tokens_scanned"`
}

// PrincipalWithInterest is principal plus base and quota interest.
func (d *CollateralDebtData) PrincipalWithInterest() *uint256.Int {
	out := new(uint256.Int).Add(d.Debt, d.AccruedInterest)
	return out.Add(out, d.QuotaInterest)
}

// TotalDebt is PrincipalWithInterest plus treasury fees on the interest.
func (d *CollateralDebtData) TotalDebt() *uint256.Int {
	return new(uint256.Int).Add(d.PrincipalWithInterest(), d.AccruedFees)
}

// HealthFactor returns TWV / total debt in bps; max uint16 without debt.
func (d *CollateralDebtData) HealthFactor() uint64 {
	if d.TotalDebtUSD == nil || d.TotalDebtUSD.IsZero() {
		return 65_535
	}
	hf := fpmath.MustMulDiv(d.TWVUSD, fpmath.BPS, d.TotalDebtUSD, fpmath.RoundDown)
	if !hf.IsUint64() {
		return ^uint64(0)
	}
	return hf.Uint64()
}

// Liquidatable reports whether weighted value is below total debt.
func (d *CollateralDebtData) Liquidatable() bool {
	return d.TWVUSD.Lt(d.TotalDebtUSD)
}

// QuotedAddresses lists the quoted tokens the evaluation looked at.
func (d *CollateralDebtData) QuotedAddresses() []common.Address {
	out := make([]common.Address, len(d.QuotedTokens))
	for i, q := range d.QuotedTokens {
		out[i] = q.Token
	}
	return out
}

// Evaluator computes a position's debt and weighted collateral.
type Evaluator struct {
	Registry *TokenRegistry
	Quotas   *QuotaKeeper
	Prices   PriceFeed
	Balances BalanceReader
}

// Evaluate values the position per req.Mode. In ModeFullCheck quoted tokens are
// valued first, capped by their quota; non-quoted tokens follow in hint
// order and the scan stops as soon as the requirement is met. Non-quoted
// tokens holding at most 1 unit are dropped from the returned mask.
func (e *Evaluator) Evaluate(req EvalRequest) (*CollateralDebtData, error) {
	pos := req.Position
	data := &CollateralDebtData{
		Debt:            pos.Debt.Clone(),
		IndexNow:        req.IndexNow.Clone(),
		IndexLastUpdate: pos.CumulativeIndex.Clone(),
		TotalValueUSD:   new(uint256.Int),
		TotalValue:      new(uint256.Int),
		TWVUSD:          new(uint256.Int),
		EnabledTokens:   pos.EnabledTokens,
	}

	accrued, err := fpmath.AccruedInterest(data.Debt, data.IndexNow, data.IndexLastUpdate)
	if err != nil {
		return nil, fmt.Errorf("accrued interest: %w", err)
	}
	data.AccruedInterest = accrued

	quotedMask := pos.EnabledTokens.And(e.Registry.QuotedMask())
	data.QuotedTokens = make([]TokenQuota, 0, quotedMask.Count())
	quotedMask.ForEach(func(bit uint8) bool {
		token := e.Registry.Entry(bit).Token
		data.QuotedTokens = append(data.QuotedTokens, TokenQuota{
			Token: token,
			Bit:   bit,
			Quota: e.Quotas.Quota(pos.ID, token),
		})
		return true
	})
	data.QuotaInterest = new(uint256.Int).Add(&pos.QuotaInterest,
		e.Quotas.PendingInterest(pos.ID, data.QuotedAddresses(), req.Now))

	interest := new(uint256.Int).Add(data.AccruedInterest, data.QuotaInterest)
	data.AccruedFees = fpmath.PercentMul(interest, uint64(req.FeeInterest))

	underlying := e.Registry.Underlying()
	if data.TotalDebtUSD, err = e.Prices.ConvertToUSD(underlying, data.TotalDebt()); err != nil {
		return nil, err
	}
	if req.Mode == ModeDebtOnly {
		return data, nil
	}

	minHF := uint64(req.MinHealthFactor)
	if minHF == 0 {
		minHF = fpmath.PercentageFactor
	}
	target := fpmath.MustMulDiv(data.TotalDebtUSD, uint256.NewInt(minHF), fpmath.BPS, fpmath.RoundUp)
	lazy := req.Mode == ModeFullCheck

	if err := e.valueQuoted(data, req, underlying); err != nil {
		return nil, err
	}
	if lazy && !data.TWVUSD.Lt(target) {
		return data, nil
	}

	for _, bit := range e.scanOrder(pos.EnabledTokens.AndNot(quotedMask), req.Hints) {
		entry := e.Registry.Entry(bit)
		balance := e.Balances.PositionBalance(pos.ID, entry.Token)
		data.TokensScanned++
		if !balance.GtUint64(1) {
			if bit != 0 {
				data.EnabledTokens = data.EnabledTokens.Without(bit)
			}
			continue
		}
		value, err := e.convert(entry.Token, balance, req.SafePrices)
		if err != nil {
			return nil, err
		}
		lt := e.Registry.LiquidationThreshold(bit, req.Now)
		data.TotalValueUSD.Add(data.TotalValueUSD, value)
		data.TWVUSD.Add(data.TWVUSD, fpmath.PercentMul(value, uint64(lt)))
		if lazy && !data.TWVUSD.Lt(target) {
			return data, nil
		}
	}

	if lazy {
		return data, fmt.Errorf("%w: weighted value %s below required %s",
			ErrNotEnoughCollateral, data.TWVUSD.Dec(), target.Dec())
	}
	if data.TotalValue, err = e.Prices.ConvertFromUSD(underlying, data.TotalValueUSD); err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Evaluator) valueQuoted(data *CollateralDebtData, req EvalRequest, underlying common.Address) error {
	for _, q := range data.QuotedTokens {
		balance := e.Balances.PositionBalance(req.Position.ID, q.Token)
		data.TokensScanned++
		if !balance.GtUint64(1) {
			continue
		}
		value, err := e.convert(q.Token, balance, req.SafePrices)
		if err != nil {
			return err
		}
		data.TotalValueUSD.Add(data.TotalValueUSD, value)

		quotaUSD, err := e.Prices.ConvertToUSD(underlying, q.Quota)
		if err != nil {
			return err
		}
		lt := e.Registry.LiquidationThreshold(q.Bit, req.Now)
		weighted := fpmath.Min(fpmath.PercentMul(value, uint64(lt)), quotaUSD)
		data.TWVUSD.Add(data.TWVUSD, weighted)
	}
	return nil
}

func (e *Evaluator) convert(token common.Address, amount *uint256.Int, safe bool) (*uint256.Int, error) {
	if safe {
		return e.Prices.SafeConvertToUSD(token, amount)
	}
	return e.Prices.ConvertToUSD(token, amount)
}

// scanOrder lists mask bits with hinted bits first, then the rest ascending.
// The underlying is always scanned.
func (e *Evaluator) scanOrder(mask TokenMask, hints []uint8) []uint8 {
	mask = mask.Or(UnderlyingMask)
	order := make([]uint8, 0, mask.Count())
	var seen TokenMask
	for _, bit := range hints {
		if mask.Has(bit) && !seen.Has(bit) {
			order = append(order, bit)
			seen = seen.With(bit)
		}
	}
	mask.AndNot(seen).ForEach(func(bit uint8) bool {
		order = append(order, bit)
		return true
	})
	return order
}

// CheckEnabledTokensLimit enforces the cap on enabled collateral, excluding the underlying.
func CheckEnabledTokensLimit(mask TokenMask, max int) error {
	if n := mask.AndNot(UnderlyingMask).Count(); n > max {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEnabledTokens, n, max)
	}
	return nil
}
