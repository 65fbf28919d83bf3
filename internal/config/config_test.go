package config

import (
	"os"
	"path/filepath"
	"testing"

	"CreditLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
underlying:
  address: "0x00000000000000000000000000000000000000a1"
  symbol: USDC
  decimals: 6
  liquidation_threshold: 9500
  price: "100_000_000"
collateral:
  - address: "0x00000000000000000000000000000000000000a2"
    symbol: WETH
    decimals: 18
    liquidation_threshold: 8500
    price: "200000000000"
  - address: "0x00000000000000000000000000000000000000a4"
    symbol: LINK
    decimals: 18
    liquidation_threshold: 7000
    price: "1000000000"
    quota:
      rate: 1000
      increase_fee: 50
      limit: "1000000"
params:
  fee_interest: 2000
  min_debt: "5000"
  strict_forbidden_checks: false
interest_model:
  base_rate: 100
  slope1: 1000
  slope2: 5000
  kink: 8500
manager: "0x0000000000000000000000000000000000003001"
configurator: "0x0000000000000000000000000000000000003002"
emergency_liquidators:
  - "0x00000000000000000000000000000000000000c1"
loss:
  max_cumulative_loss: "500"
adapters:
  - id: "0x0000000000000000000000000000000000005001"
    target: "0x0000000000000000000000000000000000004001"
    kind: Swap
    fee_bps: 30
genesis_time: 1700000000
`

// ============================================================================
// Test: Loading
// ============================================================================

func TestLoad_BuildsGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	g, err := cfg.Genesis()
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xa1"), g.Underlying.Address)
	assert.Equal(t, uint64(100_000_000), g.Underlying.Price.Uint64())
	require.Len(t, g.Collateral, 2)
	assert.Nil(t, g.Collateral[0].Quota)
	require.NotNil(t, g.Collateral[1].Quota)
	assert.Equal(t, uint64(1_000_000), g.Collateral[1].Quota.Limit.Uint64())

	defaults := state.DefaultCreditParams()
	assert.Equal(t, uint16(2000), g.Params.FeeInterest)
	assert.Equal(t, defaults.FeeLiquidation, g.Params.FeeLiquidation)
	assert.Equal(t, uint64(5000), g.Params.MinDebt.Uint64())
	assert.Equal(t, defaults.MaxDebt, g.Params.MaxDebt)
	assert.False(t, g.Params.StrictForbiddenChecks)

	assert.Equal(t, uint64(8500), g.InterestModel.Kink)
	assert.Nil(t, g.CreditLimit)
	assert.Equal(t, uint64(500), g.MaxCumulativeLoss.Uint64())
	assert.Equal(t, state.NoDebtPerBlockLimit, g.MaxDebtPerBlockMultiplier)
	assert.Equal(t, []common.Address{common.HexToAddress("0xc1")}, g.EmergencyLiquidators)
	require.Len(t, g.Adapters, 1)
	assert.Equal(t, common.HexToAddress("0x4001"), g.Adapters[0].Target)
	assert.Equal(t, int64(1_700_000_000), g.Time)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample+"\nsurprise: true\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	_, err = Load("")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// ============================================================================
// Test: Validation
// ============================================================================

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Protocol)
	}{
		{"bad token address", func(p *Protocol) { p.Collateral[0].Address = "weth" }},
		{"threshold above 100%", func(p *Protocol) { p.Collateral[0].LiquidationThreshold = 10_001 }},
		{"quoted underlying", func(p *Protocol) { p.Underlying.Quota = &Quota{Limit: "1"} }},
		{"bad amount", func(p *Protocol) { p.CreditLimit = "1e6" }},
		{"unknown adapter kind", func(p *Protocol) { p.Adapters[0].Kind = "bridge" }},
		{"duplicate token", func(p *Protocol) { p.Collateral[1].Address = p.Collateral[0].Address }},
		{"missing configurator", func(p *Protocol) { p.Configurator = "" }},
		{"expiry before genesis", func(p *Protocol) {
			p.Expiration.Enabled = true
			p.Expiration.Date = p.GenesisTime
		}},
		{"bad interest model", func(p *Protocol) { p.InterestModel.Kink = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(sample))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
