package withdrawal_test

import (
	"testing"

	"CreditLedger/internal/ledger"
	"CreditLedger/internal/undo"
	"CreditLedger/internal/withdrawal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	alice = common.HexToAddress("0x0000000000000000000000000000000000001001")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000001002")
	posA  = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func newTestQueue(t *testing.T) (*withdrawal.Queue, *ledger.BalanceTracker, *undo.Log) {
	t.Helper()
	log := undo.New()
	tracker := ledger.NewBalanceTracker(log, ledger.NewJournalGenerator(1, log))
	require.NoError(t, tracker.Mint(ledger.NewPositionAccountKey(posA, weth), u(1_000)))
	return withdrawal.NewQueue(tracker, log), tracker, log
}

func TestQueue_ScheduleAndClaimAfterMaturity(t *testing.T) {
	q, tracker, _ := newTestQueue(t)

	require.NoError(t, q.Schedule(posA, alice, weth, u(400), 100))
	assert.True(t, q.HasScheduled(posA))
	assert.Equal(t, uint64(600), tracker.GetBalance(ledger.NewPositionAccountKey(posA, weth)).Uint64())

	_, err := q.Claim(alice, weth, alice, 99)
	require.ErrorIs(t, err, withdrawal.ErrNothingToClaim)

	paid, err := q.Claim(alice, weth, bob, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), paid.Uint64())
	assert.Equal(t, uint64(400), tracker.GetBalance(ledger.NewUserAccountKey(bob, weth)).Uint64())
	assert.False(t, q.HasScheduled(posA))
}

func TestQueue_CancelReturnsImmatureOnly(t *testing.T) {
	q, tracker, _ := newTestQueue(t)
	require.NoError(t, q.Schedule(posA, alice, weth, u(100), 50))
	require.NoError(t, q.Schedule(posA, alice, weth, u(200), 500))

	returned, err := q.CancelScheduled(posA, 60)
	require.NoError(t, err)

	assert.Equal(t, uint64(200), returned.Uint64())
	assert.Equal(t, uint64(900), tracker.GetBalance(ledger.NewPositionAccountKey(posA, weth)).Uint64())
	assert.Equal(t, uint64(100), q.Claimable(alice, weth, 60).Uint64())
}

func TestQueue_ForceClaimPaysEverything(t *testing.T) {
	q, tracker, _ := newTestQueue(t)
	require.NoError(t, q.Schedule(posA, alice, weth, u(100), 50))
	require.NoError(t, q.Schedule(posA, alice, weth, u(200), 500))

	require.NoError(t, q.ForceClaim(posA))

	assert.Equal(t, uint64(300), tracker.GetBalance(ledger.NewUserAccountKey(alice, weth)).Uint64())
	assert.Empty(t, q.Pending(posA))
}

func TestQueue_ForceClaimBlockedOwnerKeepsImmediateEntry(t *testing.T) {
	q, tracker, _ := newTestQueue(t)
	require.NoError(t, q.Schedule(posA, alice, weth, u(100), 500))
	tracker.SetBlocked(ledger.NewUserAccountKey(alice, weth), true)

	require.NoError(t, q.ForceClaim(posA))

	assert.False(t, q.HasScheduled(posA))
	assert.Equal(t, uint64(100), q.Claimable(alice, weth, 0).Uint64())
}

func TestQueue_ImmediateEntry(t *testing.T) {
	q, tracker, _ := newTestQueue(t)

	require.NoError(t, q.AddImmediate(bob, ledger.NewPositionAccountKey(posA, weth), u(250)))
	assert.False(t, q.HasScheduled(posA))

	paid, err := q.Claim(bob, weth, bob, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), paid.Uint64())
	assert.Equal(t, uint64(250), tracker.GetBalance(ledger.NewUserAccountKey(bob, weth)).Uint64())
}

func TestQueue_RevertAndSnapshot(t *testing.T) {
	q, tracker, log := newTestQueue(t)

	id := log.Snapshot()
	require.NoError(t, q.Schedule(posA, alice, weth, u(100), 50))
	log.RevertTo(id)

	assert.False(t, q.HasScheduled(posA))
	assert.Equal(t, uint64(1_000), tracker.GetBalance(ledger.NewPositionAccountKey(posA, weth)).Uint64())

	require.NoError(t, q.Schedule(posA, alice, weth, u(100), 50))
	restored := withdrawal.NewQueue(tracker, undo.New())
	restored.Restore(q.Snapshot())
	assert.Equal(t, q.Snapshot(), restored.Snapshot())
}
