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
)

var (
	ErrPositionNotFound      = errors.New("position does not exist")
	ErrPositionExists        = errors.New("position already exists")
	ErrPositionInactive      = errors.New("position is not active")
	ErrOwnerHasPosition      = errors.New("owner already has an active position")
	ErrTransferNotAllowed    = errors.New("ownership transfer not allowed by receiver")
	ErrZeroAddressNotAllowed = errors.New("zero address not allowed")
)

// PositionManager owns every position and the one-active-position-per-owner index.
type PositionManager struct {
	positions map[uuid.UUID]*Position
	byOwner   map[common.Address]uuid.UUID
	transfers map[TransferKey]bool
	log       *undo.Log
}

// TransferKey is a receiver's approval to take positions from a sender
type TransferKey struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
}

func NewPositionManager(log *undo.Log) *PositionManager {
	return &PositionManager{
		positions: make(map[uuid.UUID]*Position),
		byOwner:   make(map[common.Address]uuid.UUID),
		transfers: make(map[TransferKey]bool),
		log:       log,
	}
}

// Open creates an empty position for owner. The index checkpoint starts at
// RAY so that a position with no debt reports no interest.
func (pm *PositionManager) Open(id uuid.UUID, owner common.Address, block uint64) (*Position, error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroAddressNotAllowed
	}
	if _, ok := pm.positions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, id)
	}
	if existing, ok := pm.byOwner[owner]; ok {
		return nil, fmt.Errorf("%w: %s owns %s", ErrOwnerHasPosition, owner.Hex(), existing)
	}
	pos := &Position{
		ID:            id,
		Owner:         owner,
		OpenedAtBlock: block,
		Status:        PositionStatusOpen,
	}
	pos.CumulativeIndex.Set(fpmath.RAY)
	undo.SetMapEntry(pm.log, pm.positions, id, pos)
	undo.SetMapEntry(pm.log, pm.byOwner, owner, id)
	return pos, nil
}

// Get returns an active position.
func (pm *PositionManager) Get(id uuid.UUID) (*Position, error) {
	pos, ok := pm.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	if !pos.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionInactive, id, pos.Status)
	}
	return pos, nil
}

// Lookup returns any position, active or not.
func (pm *PositionManager) Lookup(id uuid.UUID) (*Position, bool) {
	pos, ok := pm.positions[id]
	return pos, ok
}

// GetByOwner returns the owner's active position, or nil.
func (pm *PositionManager) GetByOwner(owner common.Address) *Position {
	id, ok := pm.byOwner[owner]
	if !ok {
		return nil
	}
	return pm.positions[id]
}

// Touch records the current contents of pos so that the caller's subsequent
// in-place edits revert with the batch. Call it before every mutation.
func (pm *PositionManager) Touch(pos *Position) {
	prev := *pos
	pm.log.Record(func() { *pos = prev })
	pos.Version++
}

// Deactivate zeroes the position's debt state and releases the owner slot.
func (pm *PositionManager) Deactivate(pos *Position, status PositionStatus) {
	pm.Touch(pos)
	pos.Debt.Clear()
	pos.QuotaInterest.Clear()
	pos.CumulativeIndex.Set(fpmath.RAY)
	pos.EnabledTokens = TokenMask{}
	pos.Flags = 0
	pos.Status = status
	undo.DeleteMapEntry(pm.log, pm.byOwner, pos.Owner)
}

// SetTransferAllowed records whether to accepts positions from from.
func (pm *PositionManager) SetTransferAllowed(from, to common.Address, allowed bool) {
	key := TransferKey{From: from, To: to}
	if allowed {
		undo.SetMapEntry(pm.log, pm.transfers, key, true)
		return
	}
	undo.DeleteMapEntry(pm.log, pm.transfers, key)
}

func (pm *PositionManager) TransferAllowed(from, to common.Address) bool {
	return pm.transfers[TransferKey{From: from, To: to}]
}

// TransferOwnership moves pos to a new owner, keeping one active position per owner.
func (pm *PositionManager) TransferOwnership(pos *Position, to common.Address) error {
	if to == (common.Address{}) {
		return ErrZeroAddressNotAllowed
	}
	if !pm.TransferAllowed(pos.Owner, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransferNotAllowed, pos.Owner.Hex(), to.Hex())
	}
	if _, ok := pm.byOwner[to]; ok {
		return fmt.Errorf("%w: %s", ErrOwnerHasPosition, to.Hex())
	}
	from := pos.Owner
	pm.Touch(pos)
	pos.Owner = to
	undo.DeleteMapEntry(pm.log, pm.byOwner, from)
	undo.SetMapEntry(pm.log, pm.byOwner, to, pos.ID)
	return nil
}

// GetAllPositions returns every position sorted by id.
func (pm *PositionManager) GetAllPositions() []*Position {
	out := make([]*Position, 0, len(pm.positions))
	for _, pos := range pm.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Transfers returns every recorded transfer approval.
func (pm *PositionManager) Transfers() []TransferKey {
	out := make([]TransferKey, 0, len(pm.transfers))
	for k := range pm.transfers {
		out = append(out, k)
	}
	return out
}

// Restore replaces the manager contents. Not recorded in the undo log.
func (pm *PositionManager) Restore(positions []*Position, transfers []TransferKey) {
	clear(pm.positions)
	clear(pm.byOwner)
	clear(pm.transfers)
	for _, pos := range positions {
		pm.positions[pos.ID] = pos
		if pos.IsActive() {
			pm.byOwner[pos.Owner] = pos.ID
		}
	}
	for _, k := range transfers {
		pm.transfers[k] = true
	}
}
