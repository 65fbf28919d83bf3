package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Mint issues Amount of Token to To from outside the system.
type Mint struct {
	Meta
	To     common.Address `json:"to"`
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

func (c *Mint) CallType() CallType { return CallTypeMint }

type Approve struct {
	Meta
	Spender common.Address `json:"spender"`
	Token   common.Address `json:"token"`
	Amount  *uint256.Int   `json:"amount"`
}

func (c *Approve) CallType() CallType { return CallTypeApprove }

type SupplyLiquidity struct {
	Meta
	Amount *uint256.Int `json:"amount"`
}

func (c *SupplyLiquidity) CallType() CallType { return CallTypeSupplyLiquidity }

type WithdrawLiquidity struct {
	Meta
	Amount *uint256.Int `json:"amount"`
}

func (c *WithdrawLiquidity) CallType() CallType { return CallTypeWithdrawLiquidity }
