package projection

import (
	"context"
	"strings"
	"testing"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/persistence"
	"CreditLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastOutput(t *testing.T, ch chan core.CoreOutput) core.CoreOutput {
	t.Helper()
	var last core.CoreOutput
	n := 0
	for {
		select {
		case o := <-ch:
			last = o
			n++
		default:
			require.NotZero(t, n, "no output")
			return last
		}
	}
}

// ============================================================================
// Test: Update Conversion
// ============================================================================

func TestUpdateFor_OpenPosition(t *testing.T) {
	ch := make(chan core.CoreOutput, 64)
	d := testutil.NewDriver(t, core.Options{Projection: ch})
	r := d.Open(10, 15_000)

	up := UpdateFor(lastOutput(t, ch))
	assert.Equal(t, r.Sequence, up.Sequence)
	require.Len(t, up.Positions, 1)
	pos := up.Positions[0]
	assert.Equal(t, r.PositionID.String(), pos.PositionID)
	assert.Equal(t, testutil.Owner.Hex(), pos.Owner)
	assert.Equal(t, "15000", pos.Debt)
	assert.Equal(t, "Open", pos.Status)
	assert.Nil(t, up.Settlement)

	assert.Equal(t, "15000", up.Risk.TotalBorrowed)
	assert.Equal(t, "985000", up.Risk.AvailableLiquidity)
	assert.False(t, up.Risk.Paused)

	// every journal yields a matching credit and debit
	require.NotEmpty(t, up.Balances)
	require.Zero(t, len(up.Balances)%2)
	for i := 0; i < len(up.Balances); i += 2 {
		assert.Equal(t, "-"+up.Balances[i].Delta, up.Balances[i+1].Delta)
	}
}

func TestUpdateFor_Liquidation(t *testing.T) {
	ch := make(chan core.CoreOutput, 64)
	d := testutil.NewDriver(t, core.Options{Projection: ch})
	r := d.Open(10, 15_000)
	d.Liquidate(r, 80)

	up := UpdateFor(lastOutput(t, ch))
	require.NotNil(t, up.Settlement)
	s := up.Settlement
	assert.Equal(t, "Liquidation", s.Kind)
	assert.Equal(t, r.PositionID.String(), s.PositionID)
	assert.Equal(t, testutil.Liquidator.Hex(), s.Caller)
	assert.Equal(t, "15168", s.AmountToPool)
	assert.Equal(t, "0", s.Loss)

	require.Len(t, up.Positions, 1)
	assert.Equal(t, "Liquidated", up.Positions[0].Status)
	assert.Equal(t, "0", up.Risk.TotalBorrowed)
}

func TestUpdateFor_AdminCallKeepsRisk(t *testing.T) {
	ch := make(chan core.CoreOutput, 64)
	d := testutil.NewDriver(t, core.Options{Projection: ch})
	d.Submit(&event.Pause{Meta: d.Meta(testutil.Configurator)})

	up := UpdateFor(lastOutput(t, ch))
	assert.Empty(t, up.Positions)
	assert.Empty(t, up.Balances)
	assert.True(t, up.Risk.Paused)
	assert.True(t, strings.HasPrefix(up.Risk.ForbiddenMask, "0x"))
}

// ============================================================================
// Test: Postgres (integration)
// ============================================================================

func TestProjectionWorker_WritesTables(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, persistence.NewMigrator(db, persistence.Migrations(), zerolog.Nop()).Up(ctx))

	ch := make(chan core.CoreOutput, 256)
	d := testutil.NewDriver(t, core.Options{Projection: ch})
	r := d.Open(10, 15_000)
	d.Liquidate(r, 80)
	close(ch)

	worker := NewProjectionWorker(db, ch, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, d.Core.GetSequence()-1, worker.LastSequence())

	var status string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status FROM projections.positions WHERE position_id = $1`, r.PositionID.String()).Scan(&status))
	assert.Equal(t, "Liquidated", status)

	var settlements int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.settlements`).Scan(&settlements))
	assert.Equal(t, 1, settlements)

	var paused bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT paused FROM projections.risk_state WHERE id = 1`).Scan(&paused))
	assert.False(t, paused)
}
