package query

import (
	"context"
	"testing"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/persistence"
	"CreditLedger/internal/projection"
	"CreditLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Derived Values
// ============================================================================

func TestTokenDirectory_Display(t *testing.T) {
	usdc := common.HexToAddress("0xa1")
	dir := TokenDirectory{usdc: {Symbol: "USDC", Decimals: 6}}

	assert.Equal(t, "1.5", dir.Display(usdc, decimal.RequireFromString("1500000")))
	assert.Equal(t, "0.000001", dir.Display(usdc, decimal.NewFromInt(1)))
	assert.Equal(t, "", dir.Display(common.HexToAddress("0xff"), decimal.NewFromInt(1)))
	assert.Equal(t, "USDC", dir.Symbol(usdc))
}

func TestDeriveRisk(t *testing.T) {
	tests := []struct {
		name         string
		cumulative   int64
		max          int64
		multiplier   int16
		utilisation  int64
		wantHeadroom string
		wantFrozen   bool
		wantUtil     string
	}{
		{"headroom", 100, 500, 2, 1500, "400", false, "15"},
		{"over the limit floors at zero", 600, 500, 0, 8025, "0", true, "80.25"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := RiskStateResponse{
				CumulativeLoss:    decimal.NewFromInt(tc.cumulative),
				MaxCumulativeLoss: decimal.NewFromInt(tc.max),
				DebtMultiplier:    tc.multiplier,
			}
			deriveRisk(&r, tc.utilisation)
			assert.Equal(t, tc.wantHeadroom, r.LossHeadroom.String())
			assert.Equal(t, tc.wantFrozen, r.BorrowingFrozen)
			assert.Equal(t, tc.wantUtil, r.UtilisationPct.String())
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, MaxPageSize, clampLimit(0))
	assert.Equal(t, MaxPageSize, clampLimit(MaxPageSize+1))
	assert.Equal(t, 20, clampLimit(20))
}

// ============================================================================
// Test: Postgres (integration)
// ============================================================================

func TestQueryService_ReadsProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, persistence.Migrations(), zerolog.Nop()).Up(ctx))

	persist := make(chan core.CoreOutput, 256)
	proj := make(chan core.CoreOutput, 256)
	d := testutil.NewDriver(t, core.Options{Persist: persist, Projection: proj})
	r := d.Open(10, 15_000)
	d.Liquidate(r, 80)
	close(persist)
	close(proj)

	require.NoError(t, persistence.NewPersistenceWorker(db, persist, 16, time.Millisecond, nil, zerolog.Nop()).Run(ctx))
	require.NoError(t, projection.NewProjectionWorker(db, proj, nil, zerolog.Nop()).Run(ctx))

	qs := NewQueryService(db, TokenDirectory{testutil.USDC: {Symbol: "USDC"}}, testutil.USDC, nil)

	pos, err := qs.GetPosition(ctx, *r.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "Liquidated", pos.Status)
	assert.Equal(t, d.Core.GetSequence()-1, pos.AsOfSequence)

	_, err = qs.GetPosition(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	open, err := qs.GetPositionsByOwner(ctx, testutil.Owner, false)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := qs.GetPositionsByOwner(ctx, testutil.Owner, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	settlements, err := qs.GetSettlements(ctx, SettlementFilter{Owner: &testutil.Owner})
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "Liquidation", settlements[0].Kind)
	assert.True(t, settlements[0].AmountToPool.Equal(decimal.NewFromInt(15_168)))

	risk, err := qs.GetRiskState(ctx)
	require.NoError(t, err)
	assert.True(t, risk.TotalBorrowed.IsZero())

	lp, err := qs.GetBalance(ctx, testutil.LP, testutil.USDC)
	require.NoError(t, err)
	assert.True(t, lp.Balance.IsZero(), "all liquidity was supplied")
	assert.Equal(t, "USDC", lp.Symbol)

	history, err := qs.GetJournalHistory(ctx, testutil.Owner, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
}
