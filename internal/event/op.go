package event

import (
	"encoding/json"
	"fmt"

	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// OpCode identifies a batch operation
type OpCode uint8

const (
	OpUnknown OpCode = iota
	OpOnDemandPriceUpdate
	OpStoreExpectedBalances
	OpCompareBalances
	OpSetFullCheckParams
	OpAddCollateral
	OpAddCollateralWithPermit
	OpIncreaseDebt
	OpDecreaseDebt
	OpUpdateQuota
	OpWithdrawCollateral
	OpSetBotPermissions
	OpExternalCall
)

var opNames = [...]string{
	OpUnknown:                 "Unknown",
	OpOnDemandPriceUpdate:     "OnDemandPriceUpdate",
	OpStoreExpectedBalances:   "StoreExpectedBalances",
	OpCompareBalances:         "CompareBalances",
	OpSetFullCheckParams:      "SetFullCheckParams",
	OpAddCollateral:           "AddCollateral",
	OpAddCollateralWithPermit: "AddCollateralWithPermit",
	OpIncreaseDebt:            "IncreaseDebt",
	OpDecreaseDebt:            "DecreaseDebt",
	OpUpdateQuota:             "UpdateQuota",
	OpWithdrawCollateral:      "WithdrawCollateral",
	OpSetBotPermissions:       "SetBotPermissions",
	OpExternalCall:            "ExternalCall",
}

func (c OpCode) String() string {
	if int(c) < len(opNames) {
		return opNames[c]
	}
	return fmt.Sprintf("OpCode(%d)", uint8(c))
}

func (c OpCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts an op name. Unknown names decode to OpUnknown so
// that the batch, not the parser, rejects them.
func (c *OpCode) UnmarshalText(text []byte) error {
	for code, name := range opNames {
		if name == string(text) {
			*c = OpCode(code)
			return nil
		}
	}
	*c = OpUnknown
	return nil
}

// Op is one operation of a batch. Self-operations carry a code and their
// own payload; external calls name the adapter in Target and pass Data to it
// untouched.
type Op struct {
	Code   OpCode          `json:"code"`
	Target common.Address  `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewOp encodes payload as the data of a self-operation.
func NewOp(code OpCode, payload any) Op {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("encode %s payload: %v", code, err))
	}
	return Op{Code: code, Data: data}
}

// NewExternalCall builds an op routed to the adapter registered at target.
func NewExternalCall(target common.Address, payload []byte) Op {
	return Op{Code: OpExternalCall, Target: target, Data: payload}
}

// Decode unmarshals the op's payload into v.
func (o *Op) Decode(v any) error {
	if len(o.Data) == 0 {
		return fmt.Errorf("%s: empty payload", o.Code)
	}
	if err := json.Unmarshal(o.Data, v); err != nil {
		return fmt.Errorf("%s: %w", o.Code, err)
	}
	return nil
}

// --- op payloads ---

type PriceUpdate struct {
	Token     common.Address `json:"token"`
	Reserve   bool           `json:"reserve,omitempty"`
	Price     *uint256.Int   `json:"price"`
	Timestamp int64          `json:"timestamp"`
	Signature hexutil.Bytes  `json:"signature"`
}

type ExpectedBalances struct {
	Deltas []state.BalanceDelta `json:"deltas"`
}

type FullCheckParams struct {
	Hints           []common.Address `json:"hints,omitempty"`
	MinHealthFactor uint16           `json:"min_health_factor"` // bps
}

type CollateralChange struct {
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

type CollateralPermit struct {
	Token     common.Address `json:"token"`
	Amount    *uint256.Int   `json:"amount"`
	Deadline  int64          `json:"deadline"`
	Signature hexutil.Bytes  `json:"signature"`
}

// DebtChange amount of MaxUint256 on a decrease repays everything owed.
type DebtChange struct {
	Amount *uint256.Int `json:"amount"`
}

type QuotaChange struct {
	Token    common.Address `json:"token"`
	Change   *uint256.Int   `json:"change"`
	Decrease bool           `json:"decrease,omitempty"`
	MinQuota *uint256.Int   `json:"min_quota,omitempty"`
}

// CollateralWithdrawal amount of MaxUint256 withdraws the full balance.
type CollateralWithdrawal struct {
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
	To     common.Address `json:"to"`
}

type BotPermissions struct {
	Bot         common.Address `json:"bot"`
	Permissions uint64         `json:"permissions"`
}
