package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrPriceFeedNotSet = errors.New("price feed not set")
	ErrZeroPrice       = errors.New("price is zero")
	ErrStalePrice      = errors.New("price update older than stored price")
	ErrBadSignature    = errors.New("price update not signed by feed signer")
	ErrNotUpdatable    = errors.New("feed does not accept on-demand updates")
)

// Feed holds one token's prices. Prices are USD with 8 decimals per whole token.
type Feed struct {
	Token     common.Address `json:"token"`
	Decimals  uint8          `json:"decimals"`
	Price     uint256.Int    `json:"price"`
	Reserve   uint256.Int    `json:"reserve"` // zero falls back to Price
	UpdatedAt int64          `json:"updated_at"`
	ReserveAt int64          `json:"reserve_at"`
	Signer    common.Address `json:"signer"` // zero disables on-demand updates
}

// Oracle converts token amounts to and from USD.
type Oracle struct {
	feeds map[common.Address]*Feed
	log   *undo.Log
}

func New(log *undo.Log) *Oracle {
	return &Oracle{feeds: make(map[common.Address]*Feed), log: log}
}

// SetFeed registers or replaces token's feed configuration, keeping prices.
func (o *Oracle) SetFeed(token common.Address, decimals uint8, signer common.Address) {
	next := &Feed{Token: token, Decimals: decimals, Signer: signer}
	if prev, ok := o.feeds[token]; ok {
		next.Price, next.Reserve = prev.Price, prev.Reserve
		next.UpdatedAt, next.ReserveAt = prev.UpdatedAt, prev.ReserveAt
	}
	undo.SetMapEntry(o.log, o.feeds, token, next)
}

// SetPrice sets the main or reserve price directly.
func (o *Oracle) SetPrice(token common.Address, price *uint256.Int, reserve bool, now int64) error {
	f, ok := o.feeds[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPriceFeedNotSet, token.Hex())
	}
	next := *f
	if reserve {
		next.Reserve.Set(price)
		next.ReserveAt = now
	} else {
		next.Price.Set(price)
		next.UpdatedAt = now
	}
	undo.SetValue(o.log, f, next)
	return nil
}

// UpdatePrice applies a signed on-demand price.
func (o *Oracle) UpdatePrice(u *SignedPrice, reserve bool) error {
	f, ok := o.feeds[u.Token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPriceFeedNotSet, u.Token.Hex())
	}
	if f.Signer == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrNotUpdatable, u.Token.Hex())
	}
	signer, err := u.Recover()
	if err != nil {
		return err
	}
	if signer != f.Signer {
		return fmt.Errorf("%w: got %s", ErrBadSignature, signer.Hex())
	}
	last := f.UpdatedAt
	if reserve {
		last = f.ReserveAt
	}
	if u.Timestamp < last {
		return fmt.Errorf("%w: %d < %d", ErrStalePrice, u.Timestamp, last)
	}
	return o.SetPrice(u.Token, u.Price, reserve, u.Timestamp)
}

// Feed returns a copy of token's feed.
func (o *Oracle) Feed(token common.Address) (Feed, bool) {
	f, ok := o.feeds[token]
	if !ok {
		return Feed{}, false
	}
	return *f, true
}

func (o *Oracle) price(token common.Address, safe bool) (*Feed, *uint256.Int, error) {
	f, ok := o.feeds[token]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPriceFeedNotSet, token.Hex())
	}
	p := f.Price.Clone()
	if safe && !f.Reserve.IsZero() {
		p = fpmath.Min(p, &f.Reserve)
	}
	if p.IsZero() {
		return nil, nil, fmt.Errorf("%w: %s", ErrZeroPrice, token.Hex())
	}
	return f, p, nil
}

// ConvertToUSD values amount of token at the main price.
func (o *Oracle) ConvertToUSD(token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	f, p, err := o.price(token, false)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amount, p, fpmath.Pow10(f.Decimals), fpmath.RoundDown)
}

// SafeConvertToUSD values amount of token at the lower of main and reserve price.
func (o *Oracle) SafeConvertToUSD(token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	f, p, err := o.price(token, true)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amount, p, fpmath.Pow10(f.Decimals), fpmath.RoundDown)
}

// ConvertFromUSD returns how much token amountUSD buys at the main price.
func (o *Oracle) ConvertFromUSD(token common.Address, amountUSD *uint256.Int) (*uint256.Int, error) {
	f, p, err := o.price(token, false)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amountUSD, fpmath.Pow10(f.Decimals), p, fpmath.RoundDown)
}

// Convert moves amount of tokenFrom into tokenTo units through USD.
func (o *Oracle) Convert(amount *uint256.Int, tokenFrom, tokenTo common.Address) (*uint256.Int, error) {
	usd, err := o.ConvertToUSD(tokenFrom, amount)
	if err != nil {
		return nil, err
	}
	return o.ConvertFromUSD(tokenTo, usd)
}

// Snapshot returns every feed ordered by token.
func (o *Oracle) Snapshot() []Feed {
	out := make([]Feed, 0, len(o.feeds))
	for _, f := range o.feeds {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Token[:], out[j].Token[:]) < 0
	})
	return out
}

// Restore replaces every feed. Not recorded in the undo log.
func (o *Oracle) Restore(feeds []Feed) {
	clear(o.feeds)
	for i := range feeds {
		f := feeds[i]
		o.feeds[f.Token] = &f
	}
}
