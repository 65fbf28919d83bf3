// internal/event/call.go
package event

import (
	"github.com/ethereum/go-ethereum/common"
)

// CallType discriminator for call payloads
type CallType int32

const (
	CallTypeUnknown CallType = iota

	// Entry points
	CallTypeOpenPosition
	CallTypeMulticall
	CallTypeBotMulticall
	CallTypeClosePosition
	CallTypeLiquidatePosition
	CallTypeTransferOwnership
	CallTypeAllowTransfer
	CallTypeClaimWithdrawals

	// System calls
	CallTypeMint
	CallTypeApprove
	CallTypeSupplyLiquidity
	CallTypeWithdrawLiquidity

	// Configurator calls
	CallTypeSetDebtLimits
	CallTypeSetMaxDebtPerBlockMultiplier
	CallTypeSetTokenForbidden
	CallTypeSetEmergencyLiquidator
	CallTypeSetLossParams
	CallTypePause
	CallTypeUnpause
	CallTypeSetExpiration
	CallTypeRampLiquidationThreshold
	CallTypeSetPrice
	CallTypeSetBotStatus
	CallTypeSetQuotaParams
	CallTypeSetTokenBlocked
)

var callTypeNames = map[CallType]string{
	CallTypeOpenPosition:                 "OpenPosition",
	CallTypeMulticall:                    "Multicall",
	CallTypeBotMulticall:                 "BotMulticall",
	CallTypeClosePosition:                "ClosePosition",
	CallTypeLiquidatePosition:            "LiquidatePosition",
	CallTypeTransferOwnership:            "TransferOwnership",
	CallTypeAllowTransfer:                "AllowTransfer",
	CallTypeClaimWithdrawals:             "ClaimWithdrawals",
	CallTypeMint:                         "Mint",
	CallTypeApprove:                      "Approve",
	CallTypeSupplyLiquidity:              "SupplyLiquidity",
	CallTypeWithdrawLiquidity:            "WithdrawLiquidity",
	CallTypeSetDebtLimits:                "SetDebtLimits",
	CallTypeSetMaxDebtPerBlockMultiplier: "SetMaxDebtPerBlockMultiplier",
	CallTypeSetTokenForbidden:            "SetTokenForbidden",
	CallTypeSetEmergencyLiquidator:       "SetEmergencyLiquidator",
	CallTypeSetLossParams:                "SetLossParams",
	CallTypePause:                        "Pause",
	CallTypeUnpause:                      "Unpause",
	CallTypeSetExpiration:                "SetExpiration",
	CallTypeRampLiquidationThreshold:     "RampLiquidationThreshold",
	CallTypeSetPrice:                     "SetPrice",
	CallTypeSetBotStatus:                 "SetBotStatus",
	CallTypeSetQuotaParams:               "SetQuotaParams",
	CallTypeSetTokenBlocked:              "SetTokenBlocked",
}

func (ct CallType) String() string {
	if name, ok := callTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCallType is the inverse of String.
func ParseCallType(name string) CallType {
	for ct, n := range callTypeNames {
		if n == name {
			return ct
		}
	}
	return CallTypeUnknown
}

// IsAdmin reports whether the call is reserved to the configurator.
func (ct CallType) IsAdmin() bool {
	return ct >= CallTypeSetDebtLimits
}

// Meta is the header every call carries. Block and Timestamp are the
// versioned inputs the core reads instead of a clock.
type Meta struct {
	Key       string         `json:"idempotency_key"`
	Caller    common.Address `json:"caller"`
	Block     uint64         `json:"block"`
	Timestamp int64          `json:"timestamp"` // unix seconds
	Sequence  int64          `json:"source_sequence"`
}

func (m *Meta) IdempotencyKey() string {
	return m.Key
}

func (m *Meta) Header() *Meta {
	return m
}

// Call is the interface all call payloads must implement
type Call interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CallType returns the discriminator
	CallType() CallType

	// Header returns caller, block and time context
	Header() *Meta
}
