package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CallEnvelope wraps every applied call in the log
type CallEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Call type discriminator
	CallType CallType

	// Identity that submitted the call
	Caller common.Address

	// Versioned block height and timestamp (NOT wall-clock)
	Block     uint64
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded call
	Payload []byte

	// SHA-256 of state AFTER applying this call
	StateHash [32]byte

	// Previous call's state hash (chain integrity)
	PrevHash [32]byte
}

// New returns an empty call of type ct, ready to be unmarshaled into.
func New(ct CallType) (Call, error) {
	switch ct {
	case CallTypeOpenPosition:
		return &OpenPosition{}, nil
	case CallTypeMulticall:
		return &Multicall{}, nil
	case CallTypeBotMulticall:
		return &BotMulticall{}, nil
	case CallTypeClosePosition:
		return &ClosePosition{}, nil
	case CallTypeLiquidatePosition:
		return &LiquidatePosition{}, nil
	case CallTypeTransferOwnership:
		return &TransferOwnership{}, nil
	case CallTypeAllowTransfer:
		return &AllowTransfer{}, nil
	case CallTypeClaimWithdrawals:
		return &ClaimWithdrawals{}, nil
	case CallTypeMint:
		return &Mint{}, nil
	case CallTypeApprove:
		return &Approve{}, nil
	case CallTypeSupplyLiquidity:
		return &SupplyLiquidity{}, nil
	case CallTypeWithdrawLiquidity:
		return &WithdrawLiquidity{}, nil
	case CallTypeSetDebtLimits:
		return &SetDebtLimits{}, nil
	case CallTypeSetMaxDebtPerBlockMultiplier:
		return &SetMaxDebtPerBlockMultiplier{}, nil
	case CallTypeSetTokenForbidden:
		return &SetTokenForbidden{}, nil
	case CallTypeSetEmergencyLiquidator:
		return &SetEmergencyLiquidator{}, nil
	case CallTypeSetLossParams:
		return &SetLossParams{}, nil
	case CallTypePause:
		return &Pause{}, nil
	case CallTypeUnpause:
		return &Unpause{}, nil
	case CallTypeSetExpiration:
		return &SetExpiration{}, nil
	case CallTypeRampLiquidationThreshold:
		return &RampLiquidationThreshold{}, nil
	case CallTypeSetPrice:
		return &SetPrice{}, nil
	case CallTypeSetBotStatus:
		return &SetBotStatus{}, nil
	case CallTypeSetQuotaParams:
		return &SetQuotaParams{}, nil
	case CallTypeSetTokenBlocked:
		return &SetTokenBlocked{}, nil
	default:
		return nil, fmt.Errorf("unknown call type: %d", ct)
	}
}

// Decode rebuilds a call from its type and JSON payload, as stored in an
// envelope or received from ingestion.
func Decode(ct CallType, payload []byte) (Call, error) {
	call, err := New(ct)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, call); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return call, nil
}

// Encode is the payload stored in the envelope.
func Encode(call Call) ([]byte, error) {
	return json.Marshal(call)
}

// DomainEventType names an outbound notification
type DomainEventType string

const (
	DomainPositionOpened        DomainEventType = "position_opened"
	DomainPositionClosed        DomainEventType = "position_closed"
	DomainPositionLiquidated    DomainEventType = "position_liquidated"
	DomainOwnershipTransferred  DomainEventType = "ownership_transferred"
	DomainLossRecorded          DomainEventType = "loss_recorded"
	DomainFacadePaused          DomainEventType = "facade_paused"
	DomainBorrowingFrozen       DomainEventType = "borrowing_frozen"
	DomainWithdrawalScheduled   DomainEventType = "withdrawal_scheduled"
	DomainBotPermissionsUpdated DomainEventType = "bot_permissions_updated"
)

// DomainEvent is published after the call that produced it is applied.
type DomainEvent struct {
	Type       DomainEventType   `json:"type"`
	Sequence   int64             `json:"sequence"`
	PositionID *uuid.UUID        `json:"position_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
