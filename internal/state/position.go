package state

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionFlags is the small persistent flag set of a position
type PositionFlags uint8

const (
	FlagBotPermissions PositionFlags = 1 << iota
	FlagPendingWithdrawal
)

func (f PositionFlags) Has(flag PositionFlags) bool {
	return f&flag != 0
}

// PositionStatus tracks the lifecycle of a position
type PositionStatus int32

const (
	PositionStatusOpen PositionStatus = iota
	PositionStatusClosed
	PositionStatusLiquidated
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusOpen:
		return "Open"
	case PositionStatusClosed:
		return "Closed"
	case PositionStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// Position is a leveraged account: collateral held under its id plus borrowed principal.
type Position struct {
	ID                  uuid.UUID      `json:"id"`
	Owner               common.Address `json:"owner"`
	Debt                uint256.Int    `json:"debt"`
	CumulativeIndex     uint256.Int    `json:"cumulative_index"`      // RAY, index at last debt checkpoint
	QuotaInterest       uint256.Int    `json:"quota_interest"`        // uncapitalised quota interest and fees
	EnabledTokens       TokenMask      `json:"enabled_tokens"`        // bit 0 implicit
	Flags               PositionFlags  `json:"flags"`
	LastDebtUpdateBlock uint64         `json:"last_debt_update_block"` // flash-loan guard
	OpenedAtBlock       uint64         `json:"opened_at_block"`
	Status              PositionStatus `json:"status"`
	Version             int64          `json:"version"`
}

// IsActive reports whether the position can still be operated on.
func (p *Position) IsActive() bool {
	return p.Status == PositionStatusOpen
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, p.Owner[:]...)

	debt := p.Debt.Bytes32()
	buf = append(buf, debt[:]...)
	index := p.CumulativeIndex.Bytes32()
	buf = append(buf, index[:]...)
	quota := p.QuotaInterest.Bytes32()
	buf = append(buf, quota[:]...)

	for _, word := range p.EnabledTokens {
		buf = binary.LittleEndian.AppendUint64(buf, word)
	}
	buf = append(buf, byte(p.Flags))
	buf = binary.LittleEndian.AppendUint64(buf, p.LastDebtUpdateBlock)
	buf = append(buf, byte(p.Status))

	return buf
}
