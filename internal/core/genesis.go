package core

import (
	"fmt"

	"CreditLedger/internal/adapter"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// QuotaSpec makes a collateral token quota-tracked
type QuotaSpec struct {
	Rate        uint16 // bps per year
	IncreaseFee uint16 // bps of each increase
	Limit       *uint256.Int
}

// TokenSpec describes a token known to the engine at start-up
type TokenSpec struct {
	Address              common.Address
	Symbol               string
	Decimals             uint8
	LiquidationThreshold uint16 // bps
	Price                *uint256.Int
	ReservePrice         *uint256.Int
	PriceSigner          common.Address // zero disables on-demand updates
	Quota                *QuotaSpec
}

// AdapterSpec binds an adapter identity to an implementation and its venue
type AdapterSpec struct {
	ID      common.Address
	Target  common.Address
	Adapter adapter.Adapter
}

// Genesis is the protocol configuration the core starts from. Everything it
// sets up may later be changed by configurator calls and is then carried by
// snapshots, except adapters, which are code.
type Genesis struct {
	Underlying TokenSpec
	Collateral []TokenSpec
	Params     state.CreditParams

	InterestModel pool.InterestModel
	CreditLimit   *uint256.Int

	// ManagerAddress is the spender users approve to move collateral.
	ManagerAddress       common.Address
	Configurator         common.Address
	EmergencyLiquidators []common.Address

	MaxCumulativeLoss         *uint256.Int
	MaxDebtPerBlockMultiplier uint8
	Expirable                 bool
	ExpirationDate            int64

	// Whitelisted requires OpenPosition callers to open for themselves.
	Whitelisted bool

	Adapters []AdapterSpec
	Time     int64
}

// Validate checks the genesis before any store is built.
func (g *Genesis) Validate() error {
	if g.Underlying.Address == (common.Address{}) {
		return fmt.Errorf("%w: underlying token is required", ErrInvalidGenesis)
	}
	if g.Configurator == (common.Address{}) {
		return fmt.Errorf("%w: configurator is required", ErrInvalidGenesis)
	}
	if g.ManagerAddress == (common.Address{}) {
		return fmt.Errorf("%w: manager address is required", ErrInvalidGenesis)
	}
	if err := state.ValidateCreditParams(&g.Params); err != nil {
		return err
	}
	if err := g.InterestModel.Validate(); err != nil {
		return err
	}
	seen := map[common.Address]bool{g.Underlying.Address: true}
	for _, t := range g.Collateral {
		if seen[t.Address] {
			return fmt.Errorf("%w: token %s listed twice", ErrInvalidGenesis, t.Address.Hex())
		}
		seen[t.Address] = true
	}
	for _, a := range g.Adapters {
		if a.Adapter == nil {
			return fmt.Errorf("%w: adapter %s has no implementation", ErrInvalidGenesis, a.ID.Hex())
		}
	}
	return nil
}
