package testutil

import (
	"fmt"
	"testing"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/pool"
	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// Fixture identities shared by the service-layer tests.
var (
	USDC         = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	WETH         = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	Owner        = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	Liquidator   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	LP           = common.HexToAddress("0x0000000000000000000000000000000000002001")
	Manager      = common.HexToAddress("0x0000000000000000000000000000000000003001")
	Configurator = common.HexToAddress("0x0000000000000000000000000000000000003002")
)

// GenesisTime is the fixed timestamp every scenario call carries.
const GenesisTime = int64(1_700_000_000)

// USD converts whole dollars to an 8-decimal oracle price.
func USD(v uint64) *uint256.Int { return uint256.NewInt(v * 100_000_000) }

// Genesis is a two-token market with 0-decimal tokens: usdc underlying at
// $1 and weth collateral at $2000.
func Genesis() *core.Genesis {
	return &core.Genesis{
		Underlying: core.TokenSpec{Address: USDC, Symbol: "USDC", LiquidationThreshold: 9_500, Price: USD(1)},
		Collateral: []core.TokenSpec{
			{Address: WETH, Symbol: "WETH", LiquidationThreshold: 8_500, Price: USD(2_000)},
		},
		Params:                    state.DefaultCreditParams(),
		InterestModel:             pool.DefaultInterestModel,
		ManagerAddress:            Manager,
		Configurator:              Configurator,
		EmergencyLiquidators:      []common.Address{Liquidator},
		MaxDebtPerBlockMultiplier: state.NoDebtPerBlockLimit,
		Time:                      GenesisTime,
	}
}

// Driver submits calls to a core with well-formed headers: a unique key,
// the next block and each caller's next source sequence.
type Driver struct {
	t     *testing.T
	Core  *core.DeterministicCore
	seqs  map[common.Address]int64
	block uint64
	calls int
}

// NewDriver builds a core from Genesis with the given options and seeds the
// pool with one million usdc of liquidity.
func NewDriver(t *testing.T, opts core.Options) *Driver {
	t.Helper()
	c, err := core.NewDeterministicCore(Genesis(), opts)
	require.NoError(t, err)
	d := &Driver{t: t, Core: c, seqs: make(map[common.Address]int64)}
	d.Mint(LP, USDC, 1_000_000)
	d.Submit(&event.SupplyLiquidity{Meta: d.Meta(LP), Amount: uint256.NewInt(1_000_000)})
	return d
}

func (d *Driver) Meta(caller common.Address) event.Meta {
	d.calls++
	d.block++
	return event.Meta{
		Key:       fmt.Sprintf("call-%d", d.calls),
		Caller:    caller,
		Block:     d.block,
		Timestamp: GenesisTime,
		Sequence:  d.seqs[caller],
	}
}

// Submit applies call and fails the test on error.
func (d *Driver) Submit(call event.Call) *core.Receipt {
	d.t.Helper()
	r, err := d.Core.ProcessCall(call)
	require.NoError(d.t, err)
	if !r.Duplicate {
		d.seqs[call.Header().Caller]++
	}
	return r
}

func (d *Driver) Mint(to, token common.Address, amount uint64) {
	d.t.Helper()
	d.Submit(&event.Mint{Meta: d.Meta(Configurator), To: to, Token: token, Amount: uint256.NewInt(amount)})
}

// Open funds the owner with weth and opens a position borrowing debt usdc.
func (d *Driver) Open(wethUnits, debt uint64) *core.Receipt {
	d.t.Helper()
	d.Mint(Owner, WETH, wethUnits)
	d.Submit(&event.Approve{Meta: d.Meta(Owner), Spender: Manager, Token: WETH, Amount: new(uint256.Int).SetAllOne()})
	return d.Submit(&event.OpenPosition{Meta: d.Meta(Owner), Ops: []event.Op{
		event.NewOp(event.OpAddCollateral, event.CollateralChange{Token: WETH, Amount: uint256.NewInt(wethUnits)}),
		event.NewOp(event.OpIncreaseDebt, event.DebtChange{Amount: uint256.NewInt(debt)}),
	}})
}

// Liquidate drops the weth price until the position opened by Open is
// liquidatable and liquidates it to the liquidator.
func (d *Driver) Liquidate(r *core.Receipt, wethPrice uint64) *core.Receipt {
	d.t.Helper()
	d.Submit(&event.SetPrice{Meta: d.Meta(Configurator), Token: WETH, Price: USD(wethPrice)})
	d.Mint(Liquidator, USDC, 1_000_000)
	d.Submit(&event.Approve{Meta: d.Meta(Liquidator), Spender: Manager, Token: USDC, Amount: new(uint256.Int).SetAllOne()})
	return d.Submit(&event.LiquidatePosition{Meta: d.Meta(Liquidator), PositionID: *r.PositionID, To: Liquidator})
}
