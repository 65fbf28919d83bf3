package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// QuotaGranularity is the unit quota changes are truncated to.
const QuotaGranularity uint64 = 10_000

var (
	ErrTokenNotQuoted   = errors.New("token is not quota-tracked")
	ErrQuotaOutOfBounds = errors.New("quota is out of bounds")
	ErrQuotaTokenExists = errors.New("quota token already registered")
)

// QuotaTokenParams is the per-token quota state. CumulativeIndex is an additive
// RAY index checkpointed at LastUpdate and grows at Rate bps per year.
type QuotaTokenParams struct {
	Token           common.Address `json:"token"`
	Rate            uint16         `json:"rate"`
	IncreaseFee     uint16         `json:"increase_fee"`
	Limit           uint256.Int    `json:"limit"`
	TotalQuoted     uint256.Int    `json:"total_quoted"`
	CumulativeIndex uint256.Int    `json:"cumulative_index"`
	LastUpdate      int64          `json:"last_update"`
}

// AccountQuota is one position's quota on one token
type AccountQuota struct {
	Quota           uint256.Int `json:"quota"`
	CumulativeIndex uint256.Int `json:"cumulative_index"`
}

// QuotaKey identifies an AccountQuota
type QuotaKey struct {
	PositionID uuid.UUID      `json:"position_id"`
	Token      common.Address `json:"token"`
}

// QuotaUpdate is the outcome of one quota change
type QuotaUpdate struct {
	Change       *uint256.Int // applied change after the limit cap
	Interest     *uint256.Int // interest accrued on the old quota
	Fees         *uint256.Int // one-off increase fee
	NewQuota     *uint256.Int
	EnableToken  bool
	DisableToken bool
}

// TokenQuota is a quoted token's quota as seen by the evaluator
type TokenQuota struct {
	Token common.Address
	Bit   uint8
	Quota *uint256.Int
}

// QuotaKeeper tracks per-token quota limits and rates, and per-position quotas
// with their own interest accrual.
type QuotaKeeper struct {
	tokens map[common.Address]*QuotaTokenParams
	quotas map[QuotaKey]*AccountQuota
	log    *undo.Log
}

func NewQuotaKeeper(log *undo.Log) *QuotaKeeper {
	return &QuotaKeeper{
		tokens: make(map[common.Address]*QuotaTokenParams),
		quotas: make(map[QuotaKey]*AccountQuota),
		log:    log,
	}
}

// AddQuotaToken starts tracking token with the given parameters.
func (qk *QuotaKeeper) AddQuotaToken(token common.Address, rate, increaseFee uint16, limit *uint256.Int, now int64) error {
	if _, ok := qk.tokens[token]; ok {
		return fmt.Errorf("%w: %s", ErrQuotaTokenExists, token.Hex())
	}
	params := &QuotaTokenParams{
		Token:       token,
		Rate:        rate,
		IncreaseFee: increaseFee,
		LastUpdate:  now,
	}
	params.Limit.Set(limit)
	undo.SetMapEntry(qk.log, qk.tokens, token, params)
	return nil
}

// IsQuoted reports whether token is quota-tracked.
func (qk *QuotaKeeper) IsQuoted(token common.Address) bool {
	_, ok := qk.tokens[token]
	return ok
}

// Params returns a copy of the token's parameters.
func (qk *QuotaKeeper) Params(token common.Address) (QuotaTokenParams, bool) {
	p, ok := qk.tokens[token]
	if !ok {
		return QuotaTokenParams{}, false
	}
	return *p, true
}

// CumulativeIndex returns the token's quota index at now.
func (qk *QuotaKeeper) CumulativeIndex(token common.Address, now int64) *uint256.Int {
	p, ok := qk.tokens[token]
	if !ok {
		return new(uint256.Int)
	}
	return fpmath.AdditiveIndex(&p.CumulativeIndex, uint64(p.Rate), elapsed(p.LastUpdate, now))
}

// SetParams changes rate, fee and limit, checkpointing the index at now so
// interest accrued under the old rate is kept.
func (qk *QuotaKeeper) SetParams(token common.Address, rate, increaseFee uint16, limit *uint256.Int, now int64) error {
	p, ok := qk.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotQuoted, token.Hex())
	}
	next := *p
	next.CumulativeIndex = *qk.CumulativeIndex(token, now)
	next.LastUpdate = now
	next.Rate = rate
	next.IncreaseFee = increaseFee
	next.Limit.Set(limit)
	undo.SetValue(qk.log, p, next)
	return nil
}

// Quota returns the position's quota on token.
func (qk *QuotaKeeper) Quota(positionID uuid.UUID, token common.Address) *uint256.Int {
	aq, ok := qk.quotas[QuotaKey{PositionID: positionID, Token: token}]
	if !ok {
		return new(uint256.Int)
	}
	return aq.Quota.Clone()
}

// TruncateQuotaChange rounds a change down to QuotaGranularity.
func TruncateQuotaChange(change *uint256.Int) *uint256.Int {
	g := uint256.NewInt(QuotaGranularity)
	out := new(uint256.Int).Div(change, g)
	return out.Mul(out, g)
}

// UpdateQuota applies a signed change to the position's quota on token.
// Increases are capped by the token's remaining limit; decreases by the
// current quota. The resulting quota must lie in [minQuota, maxQuota].
func (qk *QuotaKeeper) UpdateQuota(
	positionID uuid.UUID,
	token common.Address,
	change *uint256.Int,
	increase bool,
	minQuota, maxQuota *uint256.Int,
	now int64,
) (*QuotaUpdate, error) {
	p, ok := qk.tokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenNotQuoted, token.Hex())
	}
	key := QuotaKey{PositionID: positionID, Token: token}
	aq, exists := qk.quotas[key]
	if !exists {
		aq = &AccountQuota{}
	}

	indexNow := qk.CumulativeIndex(token, now)
	res := &QuotaUpdate{
		Change:   change.Clone(),
		Interest: fpmath.QuotaInterest(&aq.Quota, indexNow, &aq.CumulativeIndex),
		Fees:     new(uint256.Int),
	}

	oldQuota := aq.Quota.Clone()
	total := p.TotalQuoted.Clone()
	newQuota := oldQuota.Clone()
	if increase {
		if !total.Lt(&p.Limit) {
			res.Change.Clear()
		} else if room := new(uint256.Int).Sub(&p.Limit, total); res.Change.Gt(room) {
			res.Change.Set(room)
		}
		res.Fees = fpmath.PercentMul(res.Change, uint64(p.IncreaseFee))
		newQuota.Add(newQuota, res.Change)
		total.Add(total, res.Change)
		res.EnableToken = !oldQuota.GtUint64(1) && newQuota.GtUint64(1)
	} else {
		if res.Change.Gt(oldQuota) {
			res.Change.Set(oldQuota)
		}
		newQuota.Sub(newQuota, res.Change)
		total = fpmath.SubFloor(total, res.Change)
		res.DisableToken = oldQuota.GtUint64(1) && !newQuota.GtUint64(1)
	}

	if newQuota.Lt(minQuota) || newQuota.Gt(maxQuota) {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrQuotaOutOfBounds, newQuota.Dec(), minQuota.Dec(), maxQuota.Dec())
	}
	res.NewQuota = newQuota

	next := AccountQuota{Quota: *newQuota, CumulativeIndex: *indexNow}
	if exists {
		undo.SetValue(qk.log, aq, next)
	} else {
		undo.SetMapEntry(qk.log, qk.quotas, key, &next)
	}
	undo.SetValue(qk.log, &p.TotalQuoted, *total)
	return res, nil
}

// AccrueInterest checkpoints the position's quotas on tokens at now and
// returns the interest accrued since the previous checkpoints.
func (qk *QuotaKeeper) AccrueInterest(positionID uuid.UUID, tokens []common.Address, now int64) *uint256.Int {
	total := new(uint256.Int)
	for _, token := range tokens {
		aq, ok := qk.quotas[QuotaKey{PositionID: positionID, Token: token}]
		if !ok {
			continue
		}
		indexNow := qk.CumulativeIndex(token, now)
		total.Add(total, fpmath.QuotaInterest(&aq.Quota, indexNow, &aq.CumulativeIndex))
		undo.SetValue(qk.log, &aq.CumulativeIndex, *indexNow)
	}
	return total
}

// PendingInterest is AccrueInterest without the checkpoint.
func (qk *QuotaKeeper) PendingInterest(positionID uuid.UUID, tokens []common.Address, now int64) *uint256.Int {
	total := new(uint256.Int)
	for _, token := range tokens {
		aq, ok := qk.quotas[QuotaKey{PositionID: positionID, Token: token}]
		if !ok {
			continue
		}
		total.Add(total, fpmath.QuotaInterest(&aq.Quota, qk.CumulativeIndex(token, now), &aq.CumulativeIndex))
	}
	return total
}

// HasQuotas reports whether any of tokens carries a non-zero quota for the position.
func (qk *QuotaKeeper) HasQuotas(positionID uuid.UUID, tokens []common.Address) bool {
	for _, token := range tokens {
		if aq, ok := qk.quotas[QuotaKey{PositionID: positionID, Token: token}]; ok && aq.Quota.GtUint64(1) {
			return true
		}
	}
	return false
}

// RemoveQuotas zeroes the position's quotas on tokens, returning exposure to
// the limits. With setLimitsToZero the tokens stop accepting new quota.
func (qk *QuotaKeeper) RemoveQuotas(positionID uuid.UUID, tokens []common.Address, setLimitsToZero bool) {
	for _, token := range tokens {
		p, ok := qk.tokens[token]
		if !ok {
			continue
		}
		key := QuotaKey{PositionID: positionID, Token: token}
		if aq, ok := qk.quotas[key]; ok {
			undo.SetValue(qk.log, &p.TotalQuoted, *fpmath.SubFloor(&p.TotalQuoted, &aq.Quota))
			undo.DeleteMapEntry(qk.log, qk.quotas, key)
		}
		if setLimitsToZero {
			undo.SetValue(qk.log, &p.Limit, uint256.Int{})
		}
	}
}

// QuotaSnapshot is the serialisable state of the keeper
type QuotaSnapshot struct {
	Tokens []QuotaTokenParams `json:"tokens"`
	Quotas []QuotaEntry       `json:"quotas"`
}

// QuotaEntry is one serialised AccountQuota
type QuotaEntry struct {
	Key   QuotaKey     `json:"key"`
	Quota AccountQuota `json:"quota"`
}

func (qk *QuotaKeeper) Snapshot() *QuotaSnapshot {
	snap := &QuotaSnapshot{
		Tokens: make([]QuotaTokenParams, 0, len(qk.tokens)),
		Quotas: make([]QuotaEntry, 0, len(qk.quotas)),
	}
	for _, p := range qk.tokens {
		snap.Tokens = append(snap.Tokens, *p)
	}
	sort.Slice(snap.Tokens, func(i, j int) bool {
		return bytes.Compare(snap.Tokens[i].Token[:], snap.Tokens[j].Token[:]) < 0
	})
	for k, aq := range qk.quotas {
		snap.Quotas = append(snap.Quotas, QuotaEntry{Key: k, Quota: *aq})
	}
	return snap
}

// Restore replaces the keeper contents. Not recorded in the undo log.
func (qk *QuotaKeeper) Restore(snap *QuotaSnapshot) {
	clear(qk.tokens)
	clear(qk.quotas)
	for i := range snap.Tokens {
		p := snap.Tokens[i]
		qk.tokens[p.Token] = &p
	}
	for i := range snap.Quotas {
		e := snap.Quotas[i]
		aq := e.Quota
		qk.quotas[e.Key] = &aq
	}
}

func elapsed(from, to int64) uint64 {
	if to <= from {
		return 0
	}
	return uint64(to - from)
}
