package adapter

import (
	"encoding/json"
	"errors"
	"fmt"

	fpmath "CreditLedger/internal/math"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrSlippage = errors.New("swap output below minimum")

// Swap operations understood by SwapAdapter
const (
	SwapExactIn   = "swap_exact_in"
	SwapAllExcept = "swap_all_except"
)

// SwapParams is the SwapAdapter payload
type SwapParams struct {
	Op           string         `json:"op"`
	TokenIn      common.Address `json:"token_in"`
	TokenOut     common.Address `json:"token_out"`
	AmountIn     *uint256.Int   `json:"amount_in,omitempty"`
	Leftover     *uint256.Int   `json:"leftover,omitempty"`
	MinAmountOut *uint256.Int   `json:"min_amount_out,omitempty"`
}

// SwapAdapter swaps against its venue at oracle prices less a fee.
type SwapAdapter struct {
	FeeBps uint64
}

func (s *SwapAdapter) Execute(ctx *Context, payload []byte) (enable, disable state.TokenMask, err error) {
	var p SwapParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return enable, disable, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	amountIn := new(uint256.Int)
	switch p.Op {
	case SwapExactIn:
		if p.AmountIn == nil {
			return enable, disable, fmt.Errorf("%w: amount_in required", ErrInvalidPayload)
		}
		amountIn.Set(p.AmountIn)
	case SwapAllExcept:
		amountIn = fpmath.SubFloor(ctx.Balance(p.TokenIn), fpmath.OrZero(p.Leftover))
	default:
		return enable, disable, fmt.Errorf("%w: unknown op %q", ErrInvalidPayload, p.Op)
	}
	if amountIn.IsZero() {
		return enable, disable, nil
	}

	inMask, err := ctx.MaskOf(p.TokenIn)
	if err != nil {
		return enable, disable, err
	}
	outMask, err := ctx.MaskOf(p.TokenOut)
	if err != nil {
		return enable, disable, err
	}

	quoted, err := ctx.Prices.Convert(amountIn, p.TokenIn, p.TokenOut)
	if err != nil {
		return enable, disable, err
	}
	amountOut := fpmath.PercentMul(quoted, fpmath.PercentageFactor-s.FeeBps)
	if p.MinAmountOut != nil && amountOut.Lt(p.MinAmountOut) {
		return enable, disable, fmt.Errorf("%w: %s < %s", ErrSlippage, amountOut.Dec(), p.MinAmountOut.Dec())
	}

	ctx.Approve(p.TokenIn, amountIn)
	if err := ctx.Pull(p.TokenIn, amountIn); err != nil {
		return enable, disable, err
	}
	if err := ctx.Push(p.TokenOut, amountOut); err != nil {
		return enable, disable, err
	}

	if amountOut.GtUint64(1) {
		enable = outMask
	}
	if !ctx.Balance(p.TokenIn).GtUint64(1) {
		disable = inMask
	}
	return enable, disable, nil
}

// EncodeSwap marshals swap parameters into an adapter payload.
func EncodeSwap(p SwapParams) []byte {
	b, _ := json.Marshal(p)
	return b
}
