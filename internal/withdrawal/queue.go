package withdrawal

import (
	"errors"
	"fmt"
	"sort"

	"CreditLedger/internal/ledger"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrNothingToClaim = errors.New("nothing to claim")

// Entry is a queued payout. Scheduled entries carry the position they were
// withdrawn from; immediate entries have a zero PositionID and MaturesAt.
type Entry struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	PositionID uuid.UUID      `json:"position_id"`
	Token      common.Address `json:"token"`
	Amount     uint256.Int    `json:"amount"`
	MaturesAt  int64          `json:"matures_at"`
}

func (e *Entry) Scheduled() bool {
	return e.PositionID != uuid.Nil
}

func (e *Entry) Matured(now int64) bool {
	return now >= e.MaturesAt
}

// Queue holds tokens the ledger could not deliver directly, plus delayed
// withdrawals from positions. Queued tokens sit in the withdrawal account.
type Queue struct {
	entries map[uint64]*Entry
	nextID  uint64
	tracker *ledger.BalanceTracker
	log     *undo.Log
}

func NewQueue(tracker *ledger.BalanceTracker, log *undo.Log) *Queue {
	return &Queue{
		entries: make(map[uint64]*Entry),
		nextID:  1,
		tracker: tracker,
		log:     log,
	}
}

func (q *Queue) add(e *Entry, from ledger.AccountKey, jt ledger.JournalType) error {
	if e.Amount.IsZero() {
		return nil
	}
	if err := q.tracker.Transfer(from, ledger.NewWithdrawalAccountKey(e.Token), &e.Amount, jt); err != nil {
		return fmt.Errorf("queue %s: %w", e.Token.Hex(), err)
	}
	e.ID = q.nextID
	undo.SetValue(q.log, &q.nextID, q.nextID+1)
	undo.SetMapEntry(q.log, q.entries, e.ID, e)
	return nil
}

// AddImmediate queues amount for owner to claim at any time.
func (q *Queue) AddImmediate(owner common.Address, from ledger.AccountKey, amount *uint256.Int) error {
	e := &Entry{Owner: owner, Token: from.Token}
	e.Amount.Set(amount)
	return q.add(e, from, ledger.JournalTypeQueueIn)
}

// Schedule moves amount out of the position into a delayed entry for owner.
func (q *Queue) Schedule(positionID uuid.UUID, owner, token common.Address, amount *uint256.Int, maturesAt int64) error {
	e := &Entry{Owner: owner, PositionID: positionID, Token: token, MaturesAt: maturesAt}
	e.Amount.Set(amount)
	return q.add(e, ledger.NewPositionAccountKey(positionID, token), ledger.JournalTypeQueueIn)
}

// Claimable sums owner's matured entries of token.
func (q *Queue) Claimable(owner, token common.Address, now int64) *uint256.Int {
	total := new(uint256.Int)
	for _, e := range q.entries {
		if e.Owner == owner && e.Token == token && e.Matured(now) {
			total.Add(total, &e.Amount)
		}
	}
	return total
}

// Claim pays owner's matured entries of token to the to identity.
func (q *Queue) Claim(owner, token, to common.Address, now int64) (*uint256.Int, error) {
	ids := q.match(func(e *Entry) bool {
		return e.Owner == owner && e.Token == token && e.Matured(now)
	})
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNothingToClaim, owner.Hex(), token.Hex())
	}
	return q.pay(ids, func(*Entry) ledger.AccountKey { return ledger.NewUserAccountKey(to, token) }, ledger.JournalTypeQueueClaim)
}

// CancelScheduled returns the position's immature entries to the position.
// Matured entries stay claimable by their owner.
func (q *Queue) CancelScheduled(positionID uuid.UUID, now int64) (*uint256.Int, error) {
	ids := q.match(func(e *Entry) bool {
		return e.PositionID == positionID && !e.Matured(now)
	})
	return q.pay(ids, func(e *Entry) ledger.AccountKey {
		return ledger.NewPositionAccountKey(positionID, e.Token)
	}, ledger.JournalTypeQueueCancel)
}

// ForceClaim pays every scheduled entry of the position to its owner,
// matured or not. Entries whose owner cannot receive stay queued as
// immediate claims.
func (q *Queue) ForceClaim(positionID uuid.UUID) error {
	ids := q.match(func(e *Entry) bool { return e.PositionID == positionID })
	for _, id := range ids {
		e := q.entries[id]
		to := ledger.NewUserAccountKey(e.Owner, e.Token)
		if q.tracker.IsBlocked(to) {
			next := *e
			next.PositionID = uuid.Nil
			next.MaturesAt = 0
			undo.SetValue(q.log, e, next)
			continue
		}
		if _, err := q.pay([]uint64{id}, func(*Entry) ledger.AccountKey { return to }, ledger.JournalTypeQueueClaim); err != nil {
			return err
		}
	}
	return nil
}

// HasScheduled reports whether the position has queued withdrawals.
func (q *Queue) HasScheduled(positionID uuid.UUID) bool {
	for _, e := range q.entries {
		if e.PositionID == positionID {
			return true
		}
	}
	return false
}

// Pending returns the position's scheduled entries ordered by id.
func (q *Queue) Pending(positionID uuid.UUID) []Entry {
	ids := q.match(func(e *Entry) bool { return e.PositionID == positionID })
	out := make([]Entry, len(ids))
	for i, id := range ids {
		out[i] = *q.entries[id]
	}
	return out
}

func (q *Queue) match(pred func(*Entry) bool) []uint64 {
	var ids []uint64
	for id, e := range q.entries {
		if pred(e) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (q *Queue) pay(ids []uint64, dest func(*Entry) ledger.AccountKey, jt ledger.JournalType) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, id := range ids {
		e := q.entries[id]
		if err := q.tracker.Transfer(ledger.NewWithdrawalAccountKey(e.Token), dest(e), &e.Amount, jt); err != nil {
			return nil, fmt.Errorf("withdrawal %d: %w", id, err)
		}
		total.Add(total, &e.Amount)
		undo.DeleteMapEntry(q.log, q.entries, id)
	}
	return total, nil
}

// Snapshot is the serialisable queue state
type Snapshot struct {
	NextID  uint64  `json:"next_id"`
	Entries []Entry `json:"entries"`
}

func (q *Queue) Snapshot() *Snapshot {
	snap := &Snapshot{NextID: q.nextID, Entries: make([]Entry, 0, len(q.entries))}
	for _, id := range q.match(func(*Entry) bool { return true }) {
		snap.Entries = append(snap.Entries, *q.entries[id])
	}
	return snap
}

// Restore replaces the queue contents. Not recorded in the undo log.
func (q *Queue) Restore(snap *Snapshot) {
	clear(q.entries)
	q.nextID = snap.NextID
	for i := range snap.Entries {
		e := snap.Entries[i]
		q.entries[e.ID] = &e
	}
}
