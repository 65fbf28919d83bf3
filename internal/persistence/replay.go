package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ErrReplayDiverged means a stored call did not reproduce the sequence or
// state hash the event log recorded for it.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// ReplayRow re-applies one stored call to c.
func ReplayRow(c *core.DeterministicCore, row EventRow) error {
	ct := event.ParseCallType(row.CallType)
	call, err := event.Decode(ct, row.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", row.Sequence, err)
	}

	r, err := c.ProcessCall(call)
	if err != nil {
		return fmt.Errorf("%w: seq %d rejected: %v", ErrReplayDiverged, row.Sequence, err)
	}
	if r.Duplicate || r.Sequence != row.Sequence {
		return fmt.Errorf("%w: seq %d applied as %d (duplicate=%t)", ErrReplayDiverged, row.Sequence, r.Sequence, r.Duplicate)
	}
	if !bytes.Equal(r.StateHash.Bytes(), row.StateHash) {
		return fmt.Errorf("%w: seq %d state hash %x, log has %x", ErrReplayDiverged, row.Sequence, r.StateHash, row.StateHash)
	}
	return nil
}

// Replay applies every stored call from the core's next sequence to the
// head of the log and returns how many were applied.
func (sm *SnapshotManager) Replay(ctx context.Context, c *core.DeterministicCore, batchSize int, metrics *observability.Metrics, log zerolog.Logger) (int64, error) {
	start := time.Now()
	from := c.GetSequence()
	var replayed int64

	for {
		rows, err := sm.LoadEventsFrom(ctx, from, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if err := ReplayRow(c, row); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayCallsTotal.Add(float64(replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	log.Info().Int64("replayed", replayed).Int64("next_sequence", c.GetSequence()).Dur("took", time.Since(start)).Msg("replay complete")
	return replayed, nil
}
