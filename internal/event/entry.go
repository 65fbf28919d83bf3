package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OpenPosition creates a position for OnBehalfOf and runs Ops on it.
type OpenPosition struct {
	Meta
	OnBehalfOf common.Address `json:"on_behalf_of"`
	Ops        []Op           `json:"ops"`
}

func (c *OpenPosition) CallType() CallType { return CallTypeOpenPosition }

// Multicall runs an owner's batch on a position.
type Multicall struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	Ops        []Op      `json:"ops"`
}

func (c *Multicall) CallType() CallType { return CallTypeMulticall }

// BotMulticall runs a batch with the caller's bot permissions.
type BotMulticall struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	Ops        []Op      `json:"ops"`
}

func (c *BotMulticall) CallType() CallType { return CallTypeBotMulticall }

// ClosePosition runs a final owner batch, then settles and sweeps every
// enabled token except SkipTokens to To.
type ClosePosition struct {
	Meta
	PositionID uuid.UUID        `json:"position_id"`
	To         common.Address   `json:"to"`
	SkipTokens []common.Address `json:"skip_tokens,omitempty"`
	Ops        []Op             `json:"ops"`
}

func (c *ClosePosition) CallType() CallType { return CallTypeClosePosition }

// LiquidatePosition settles an unhealthy or expired position.
type LiquidatePosition struct {
	Meta
	PositionID uuid.UUID        `json:"position_id"`
	To         common.Address   `json:"to"`
	SkipTokens []common.Address `json:"skip_tokens,omitempty"`
	Ops        []Op             `json:"ops"`
}

func (c *LiquidatePosition) CallType() CallType { return CallTypeLiquidatePosition }

type TransferOwnership struct {
	Meta
	PositionID uuid.UUID      `json:"position_id"`
	To         common.Address `json:"to"`
}

func (c *TransferOwnership) CallType() CallType { return CallTypeTransferOwnership }

// AllowTransfer is sent by the receiver of future ownership transfers.
type AllowTransfer struct {
	Meta
	From    common.Address `json:"from"`
	Allowed bool           `json:"allowed"`
}

func (c *AllowTransfer) CallType() CallType { return CallTypeAllowTransfer }

type ClaimWithdrawals struct {
	Meta
	Token common.Address `json:"token"`
	To    common.Address `json:"to"`
}

func (c *ClaimWithdrawals) CallType() CallType { return CallTypeClaimWithdrawals }

// Operations returns the batch carried by an entry-point call.
func Operations(c Call) []Op {
	switch v := c.(type) {
	case *OpenPosition:
		return v.Ops
	case *Multicall:
		return v.Ops
	case *BotMulticall:
		return v.Ops
	case *ClosePosition:
		return v.Ops
	case *LiquidatePosition:
		return v.Ops
	default:
		return nil
	}
}
