package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type SetDebtLimits struct {
	Meta
	MinDebt *uint256.Int `json:"min_debt"`
	MaxDebt *uint256.Int `json:"max_debt"`
}

func (c *SetDebtLimits) CallType() CallType { return CallTypeSetDebtLimits }

type SetMaxDebtPerBlockMultiplier struct {
	Meta
	Multiplier uint8 `json:"multiplier"`
}

func (c *SetMaxDebtPerBlockMultiplier) CallType() CallType {
	return CallTypeSetMaxDebtPerBlockMultiplier
}

type SetTokenForbidden struct {
	Meta
	Token     common.Address `json:"token"`
	Forbidden bool           `json:"forbidden"`
}

func (c *SetTokenForbidden) CallType() CallType { return CallTypeSetTokenForbidden }

type SetEmergencyLiquidator struct {
	Meta
	Liquidator common.Address `json:"liquidator"`
	Allowed    bool           `json:"allowed"`
}

func (c *SetEmergencyLiquidator) CallType() CallType { return CallTypeSetEmergencyLiquidator }

type SetLossParams struct {
	Meta
	MaxCumulativeLoss *uint256.Int `json:"max_cumulative_loss"`
	Reset             bool         `json:"reset,omitempty"`
}

func (c *SetLossParams) CallType() CallType { return CallTypeSetLossParams }

type Pause struct {
	Meta
}

func (c *Pause) CallType() CallType { return CallTypePause }

type Unpause struct {
	Meta
}

func (c *Unpause) CallType() CallType { return CallTypeUnpause }

type SetExpiration struct {
	Meta
	Expirable bool  `json:"expirable"`
	Date      int64 `json:"date"`
}

func (c *SetExpiration) CallType() CallType { return CallTypeSetExpiration }

type RampLiquidationThreshold struct {
	Meta
	Token     common.Address `json:"token"`
	Final     uint16         `json:"final"`
	RampStart int64          `json:"ramp_start"`
	Duration  uint32         `json:"duration"`
}

func (c *RampLiquidationThreshold) CallType() CallType { return CallTypeRampLiquidationThreshold }

type SetPrice struct {
	Meta
	Token   common.Address `json:"token"`
	Price   *uint256.Int   `json:"price"`
	Reserve bool           `json:"reserve,omitempty"`
}

func (c *SetPrice) CallType() CallType { return CallTypeSetPrice }

type SetBotStatus struct {
	Meta
	Bot       common.Address `json:"bot"`
	Forbidden bool           `json:"forbidden"`
	Special   uint64         `json:"special"`
}

func (c *SetBotStatus) CallType() CallType { return CallTypeSetBotStatus }

type SetQuotaParams struct {
	Meta
	Token       common.Address `json:"token"`
	Rate        uint16         `json:"rate"`
	IncreaseFee uint16         `json:"increase_fee"`
	Limit       *uint256.Int   `json:"limit"`
}

func (c *SetQuotaParams) CallType() CallType { return CallTypeSetQuotaParams }

// SetTokenBlocked toggles whether Holder can receive Token.
type SetTokenBlocked struct {
	Meta
	Holder  common.Address `json:"holder"`
	Token   common.Address `json:"token"`
	Blocked bool           `json:"blocked"`
}

func (c *SetTokenBlocked) CallType() CallType { return CallTypeSetTokenBlocked }
