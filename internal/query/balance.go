package query

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceResponse is one holder's projected balance of one token.
type BalanceResponse struct {
	Account string          `json:"account"` // ledger account path
	Token   string          `json:"token"`
	Symbol  string          `json:"symbol,omitempty"`
	Balance decimal.Decimal `json:"balance"`           // smallest units
	Display string          `json:"display,omitempty"` // whole units

	AsOfSequence int64 `json:"as_of_sequence"`
}

// TokenInfo names a token and its decimals for display.
type TokenInfo struct {
	Symbol   string
	Decimals uint8
}

// TokenDirectory resolves display metadata for known tokens.
type TokenDirectory map[common.Address]TokenInfo

// Display renders amount in whole units of token, or "" when the token is
// unknown.
func (d TokenDirectory) Display(token common.Address, amount decimal.Decimal) string {
	info, ok := d[token]
	if !ok {
		return ""
	}
	return amount.Shift(-int32(info.Decimals)).String()
}

func (d TokenDirectory) Symbol(token common.Address) string {
	return d[token].Symbol
}
