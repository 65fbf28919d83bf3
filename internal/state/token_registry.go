package state

import (
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTokenNotAllowed    = errors.New("token is not an allowed collateral")
	ErrTokenAlreadyAdded  = errors.New("token already registered")
	ErrTooManyTokens      = errors.New("token registry full")
	ErrIncorrectThreshold = errors.New("incorrect liquidation threshold")
)

// LiquidationThreshold is a liquidation weight in basis points that can ramp
// linearly from Initial to Final over [RampStart, RampStart+RampDuration].
type LiquidationThreshold struct {
	Initial      uint16 `json:"initial" yaml:"initial"`
	Final        uint16 `json:"final" yaml:"final"`
	RampStart    int64  `json:"ramp_start" yaml:"ramp_start"`
	RampDuration uint32 `json:"ramp_duration" yaml:"ramp_duration"`
}

// FlatThreshold returns a threshold that never ramps.
func FlatThreshold(bps uint16) LiquidationThreshold {
	return LiquidationThreshold{Initial: bps, Final: bps}
}

// At returns the weight in effect at unix time ts.
func (lt LiquidationThreshold) At(ts int64) uint16 {
	if lt.RampDuration == 0 {
		return lt.Final
	}
	if ts <= lt.RampStart {
		return lt.Initial
	}
	end := lt.RampStart + int64(lt.RampDuration)
	if ts >= end {
		return lt.Final
	}
	elapsed := ts - lt.RampStart
	from, to := int64(lt.Initial), int64(lt.Final)
	return uint16(from + (to-from)*elapsed/int64(lt.RampDuration))
}

// TokenEntry is one registered collateral token
type TokenEntry struct {
	Token     common.Address       `json:"token"`
	Symbol    string               `json:"symbol"`
	Decimals  uint8                `json:"decimals"`
	Bit       uint8                `json:"bit"`
	Quoted    bool                 `json:"quoted"`
	Threshold LiquidationThreshold `json:"threshold"`
}

// Mask returns the entry's single-bit mask.
func (e *TokenEntry) Mask() TokenMask {
	return MaskOf(e.Bit)
}

// TokenRegistry assigns each collateral token a bit and a liquidation weight.
// Bit 0 is always the underlying.
type TokenRegistry struct {
	entries   []*TokenEntry
	byAddress map[common.Address]uint8
	log       *undo.Log
}

func NewTokenRegistry(log *undo.Log, underlying common.Address, symbol string, decimals uint8, threshold uint16) *TokenRegistry {
	r := &TokenRegistry{
		entries:   make([]*TokenEntry, 0, 16),
		byAddress: make(map[common.Address]uint8),
		log:       log,
	}
	r.entries = append(r.entries, &TokenEntry{
		Token:     underlying,
		Symbol:    symbol,
		Decimals:  decimals,
		Bit:       0,
		Threshold: FlatThreshold(threshold),
	})
	r.byAddress[underlying] = 0
	return r
}

// AddToken registers a collateral token at the next free bit.
func (r *TokenRegistry) AddToken(token common.Address, symbol string, decimals uint8, quoted bool, threshold uint16) (*TokenEntry, error) {
	if _, ok := r.byAddress[token]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenAlreadyAdded, token.Hex())
	}
	if len(r.entries) >= MaxTokens {
		return nil, ErrTooManyTokens
	}
	if threshold > r.entries[0].Threshold.Final {
		return nil, fmt.Errorf("%w: %d above underlying %d", ErrIncorrectThreshold, threshold, r.entries[0].Threshold.Final)
	}
	entry := &TokenEntry{
		Token:     token,
		Symbol:    symbol,
		Decimals:  decimals,
		Bit:       uint8(len(r.entries)),
		Quoted:    quoted,
		Threshold: FlatThreshold(threshold),
	}
	n := len(r.entries)
	r.log.Record(func() {
		r.entries = r.entries[:n]
		delete(r.byAddress, token)
	})
	r.entries = append(r.entries, entry)
	r.byAddress[token] = entry.Bit
	return entry, nil
}

func (r *TokenRegistry) Underlying() common.Address {
	return r.entries[0].Token
}

func (r *TokenRegistry) Len() int {
	return len(r.entries)
}

// MaskOf returns the single-bit mask of token.
func (r *TokenRegistry) MaskOf(token common.Address) (TokenMask, error) {
	bit, ok := r.byAddress[token]
	if !ok {
		return TokenMask{}, fmt.Errorf("%w: %s", ErrTokenNotAllowed, token.Hex())
	}
	return MaskOf(bit), nil
}

// TokenOf returns the token registered at bit.
func (r *TokenRegistry) TokenOf(bit uint8) (common.Address, error) {
	if int(bit) >= len(r.entries) {
		return common.Address{}, fmt.Errorf("%w: bit %d", ErrTokenNotAllowed, bit)
	}
	return r.entries[bit].Token, nil
}

// Entry returns the entry at bit, or nil.
func (r *TokenRegistry) Entry(bit uint8) *TokenEntry {
	if int(bit) >= len(r.entries) {
		return nil
	}
	return r.entries[bit]
}

// EntryOf returns the entry for token, or nil.
func (r *TokenRegistry) EntryOf(token common.Address) *TokenEntry {
	bit, ok := r.byAddress[token]
	if !ok {
		return nil
	}
	return r.entries[bit]
}

// LiquidationThreshold returns the weight of the token at bit at time ts.
func (r *TokenRegistry) LiquidationThreshold(bit uint8, ts int64) uint16 {
	e := r.Entry(bit)
	if e == nil {
		return 0
	}
	return e.Threshold.At(ts)
}

// QuotedMask returns every quota-tracked token.
func (r *TokenRegistry) QuotedMask() TokenMask {
	var m TokenMask
	for _, e := range r.entries {
		if e.Quoted {
			m = m.With(e.Bit)
		}
	}
	return m
}

// AllMask returns every registered token.
func (r *TokenRegistry) AllMask() TokenMask {
	var m TokenMask
	for _, e := range r.entries {
		m = m.With(e.Bit)
	}
	return m
}

// SetLiquidationThreshold sets a flat weight for token. The underlying's weight
// caps every other token's.
func (r *TokenRegistry) SetLiquidationThreshold(token common.Address, bps uint16) error {
	return r.RampLiquidationThreshold(token, bps, 0, 0)
}

// RampLiquidationThreshold starts a linear ramp from the weight in effect at
// rampStart to final, lasting duration seconds.
func (r *TokenRegistry) RampLiquidationThreshold(token common.Address, final uint16, rampStart int64, duration uint32) error {
	e := r.EntryOf(token)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, token.Hex())
	}
	if uint64(final) >= fpmath.PercentageFactor {
		return fmt.Errorf("%w: %d", ErrIncorrectThreshold, final)
	}
	if e.Bit != 0 && final > r.entries[0].Threshold.Final {
		return fmt.Errorf("%w: %d above underlying", ErrIncorrectThreshold, final)
	}
	next := LiquidationThreshold{
		Initial:      e.Threshold.At(rampStart),
		Final:        final,
		RampStart:    rampStart,
		RampDuration: duration,
	}
	undo.SetValue(r.log, &e.Threshold, next)
	return nil
}

// Entries returns a copy of every entry, ordered by bit.
func (r *TokenRegistry) Entries() []TokenEntry {
	out := make([]TokenEntry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// Restore replaces the registry contents. Not recorded in the undo log.
func (r *TokenRegistry) Restore(entries []TokenEntry) {
	r.entries = r.entries[:0]
	clear(r.byAddress)
	for i := range entries {
		e := entries[i]
		r.entries = append(r.entries, &e)
		r.byAddress[e.Token] = e.Bit
	}
}
