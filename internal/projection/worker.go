package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CreditLedger/internal/core"
	"CreditLedger/internal/observability"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// PositionRow is a row of projections.positions
type PositionRow struct {
	PositionID      string
	Owner           string
	Debt            string
	CumulativeIndex string
	QuotaInterest   string
	EnabledTokens   string
	Status          string
	OpenedAtBlock   int64
	Version         int64
}

// SettlementRow is a row of projections.settlements
type SettlementRow struct {
	PositionID     string
	Owner          string
	Caller         string
	Kind           string
	AmountToPool   string
	RemainingFunds string
	Profit         string
	Loss           string
	Shortfall      string
	SweptTokens    string
}

// BalanceDelta is one side of a journal applied to projections.balances.
// Amounts are signed decimal strings.
type BalanceDelta struct {
	AccountPath string
	Delta       string
}

// RiskRow is the single row of projections.risk_state
type RiskRow struct {
	CumulativeLoss     string
	MaxCumulativeLoss  string
	Paused             bool
	DebtMultiplier     uint8
	ForbiddenMask      string
	TotalBorrowed      string
	AvailableLiquidity string
	TotalLoss          string
	Utilisation        uint64
}

// Update is everything one core output changes in the projection tables.
type Update struct {
	Sequence   int64
	Timestamp  time.Time
	Positions  []PositionRow
	Settlement *SettlementRow
	Balances   []BalanceDelta
	Risk       RiskRow
}

// UpdateFor converts a core output into projection rows.
func UpdateFor(output core.CoreOutput) Update {
	up := Update{
		Sequence:  output.Envelope.Sequence,
		Timestamp: output.Envelope.Timestamp,
	}
	for _, pos := range output.Positions {
		up.Positions = append(up.Positions, PositionRow{
			PositionID:      pos.ID.String(),
			Owner:           pos.Owner.Hex(),
			Debt:            pos.Debt.Dec(),
			CumulativeIndex: pos.CumulativeIndex.Dec(),
			QuotaInterest:   pos.QuotaInterest.Dec(),
			EnabledTokens:   pos.EnabledTokens.String(),
			Status:          pos.Status.String(),
			OpenedAtBlock:   int64(pos.OpenedAtBlock),
			Version:         pos.Version,
		})
	}
	if c := output.Closure; c != nil {
		s := c.Settlement
		up.Settlement = &SettlementRow{
			PositionID:     c.PositionID.String(),
			Owner:          c.Owner.Hex(),
			Caller:         c.Caller.Hex(),
			Kind:           c.Kind.String(),
			AmountToPool:   dec(s.AmountToPool),
			RemainingFunds: dec(s.RemainingFunds),
			Profit:         dec(s.Profit),
			Loss:           dec(s.Loss),
			Shortfall:      dec(c.Shortfall),
			SweptTokens:    c.Swept.String(),
		}
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			amount := j.Amount.Dec()
			up.Balances = append(up.Balances,
				BalanceDelta{AccountPath: j.DebitAccount.AccountPath(), Delta: amount},
				BalanceDelta{AccountPath: j.CreditAccount.AccountPath(), Delta: "-" + amount},
			)
		}
	}
	r := output.Risk
	up.Risk = RiskRow{
		CumulativeLoss:     dec(r.CumulativeLoss),
		MaxCumulativeLoss:  dec(r.MaxCumulativeLoss),
		Paused:             r.Paused,
		DebtMultiplier:     r.MaxDebtPerBlockMultiplier,
		ForbiddenMask:      r.ForbiddenMask.String(),
		TotalBorrowed:      dec(r.TotalBorrowed),
		AvailableLiquidity: dec(r.AvailableLiquidity),
		TotalLoss:          dec(r.TotalLoss),
		Utilisation:        r.Utilisation,
	}
	return up
}

// dec renders an optional amount, nil as zero.
func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// ProjectionWorker updates the read-side tables from applied calls. The
// projection channel drops when full; a gap in sequences is logged and the
// next output still applies, since position and risk rows are full
// post-call copies.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run applies outputs until the channel is closed or ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			up := UpdateFor(output)
			if pw.lastSeq != 0 && up.Sequence > pw.lastSeq+1 {
				pw.log.Warn().Int64("from", pw.lastSeq+1).Int64("to", up.Sequence-1).Msg("projection gap, balances need a rebuild")
			}
			if err := pw.apply(ctx, up); err != nil {
				pw.log.Warn().Err(err).Int64("sequence", up.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = up.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionLastSequence.Set(float64(up.Sequence))
			}
		}
	}
}

// LastSequence is the last sequence applied to the tables.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

func (pw *ProjectionWorker) apply(ctx context.Context, up Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		fn   func(context.Context, *sql.Tx, Update) error
	}{
		{"positions", writePositions},
		{"settlements", writeSettlement},
		{"balances", writeBalances},
		{"risk_state", writeRisk},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(ctx, tx, up); err != nil {
			return fmt.Errorf("%s projection: %w", step.name, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(step.name).Observe(time.Since(start).Seconds())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, up.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func writePositions(ctx context.Context, tx *sql.Tx, up Update) error {
	for _, p := range up.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(position_id, owner, debt, cumulative_index, quota_interest, enabled_tokens,
				 status, opened_at_block, version, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (position_id) DO UPDATE SET
				owner = $2, debt = $3, cumulative_index = $4, quota_interest = $5,
				enabled_tokens = $6, status = $7, version = $9, last_sequence = $10, updated_at = $11
			WHERE projections.positions.version <= $9
		`, p.PositionID, p.Owner, p.Debt, p.CumulativeIndex, p.QuotaInterest, p.EnabledTokens,
			p.Status, p.OpenedAtBlock, p.Version, up.Sequence, up.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func writeSettlement(ctx context.Context, tx *sql.Tx, up Update) error {
	s := up.Settlement
	if s == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlements
			(sequence, position_id, owner, caller, kind, amount_to_pool, remaining_funds,
			 profit, loss, shortfall, swept_tokens, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sequence) DO NOTHING
	`, up.Sequence, s.PositionID, s.Owner, s.Caller, s.Kind, s.AmountToPool, s.RemainingFunds,
		s.Profit, s.Loss, s.Shortfall, s.SweptTokens, up.Timestamp)
	return err
}

func writeBalances(ctx context.Context, tx *sql.Tx, up Update) error {
	for _, b := range up.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, balance, last_sequence)
			VALUES ($1, $2::numeric, $3)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = projections.balances.balance + $2::numeric, last_sequence = $3
			WHERE projections.balances.last_sequence < $3
		`, b.AccountPath, b.Delta, up.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func writeRisk(ctx context.Context, tx *sql.Tx, up Update) error {
	r := up.Risk
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.risk_state
			(id, cumulative_loss, max_cumulative_loss, paused, debt_multiplier, forbidden_mask,
			 total_borrowed, available_liquidity, total_loss, utilisation_bps, last_sequence, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			cumulative_loss = $1, max_cumulative_loss = $2, paused = $3, debt_multiplier = $4,
			forbidden_mask = $5, total_borrowed = $6, available_liquidity = $7, total_loss = $8,
			utilisation_bps = $9, last_sequence = $10, updated_at = $11
	`, r.CumulativeLoss, r.MaxCumulativeLoss, r.Paused, int16(r.DebtMultiplier), r.ForbiddenMask,
		r.TotalBorrowed, r.AvailableLiquidity, r.TotalLoss, int64(r.Utilisation), up.Sequence, up.Timestamp)
	return err
}

// RebuildBalances recomputes projections.balances from the journal.
func RebuildBalances(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Msg("balance projection rebuilt")
	return nil
}
