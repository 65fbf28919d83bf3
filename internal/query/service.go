package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"CreditLedger/internal/ledger"
	"CreditLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("not found")

// MaxPageSize caps every list query.
const MaxPageSize = 500

// QueryService provides read-only access to the projection tables and the
// journal. Responses carry as_of_sequence: projections may trail the core.
type QueryService struct {
	db         *sql.DB
	tokens     TokenDirectory
	underlying common.Address // debt is denominated in it
	metrics    *observability.Metrics
}

func NewQueryService(db *sql.DB, tokens TokenDirectory, underlying common.Address, metrics *observability.Metrics) *QueryService {
	if tokens == nil {
		tokens = TokenDirectory{}
	}
	return &QueryService{db: db, tokens: tokens, underlying: underlying, metrics: metrics}
}

// observe records request count and latency for endpoint.
func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

const positionColumns = `position_id, owner, debt, cumulative_index, quota_interest,
	enabled_tokens, status, opened_at_block, version, last_sequence`

func (qs *QueryService) scanPosition(row interface{ Scan(...any) error }, asOf int64) (PositionResponse, error) {
	var p PositionResponse
	err := row.Scan(&p.PositionID, &p.Owner, &p.Debt, &p.CumulativeIndex, &p.QuotaInterest,
		&p.EnabledTokens, &p.Status, &p.OpenedAtBlock, &p.Version, &p.LastSequence)
	p.AsOfSequence = asOf
	p.DebtDisplay = qs.tokens.Display(qs.underlying, p.Debt)
	return p, err
}

// GetPosition returns one position by id.
func (qs *QueryService) GetPosition(ctx context.Context, id uuid.UUID) (_ *PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("get_position", start, err) }(time.Now())

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row := qs.db.QueryRowContext(ctx, `SELECT `+positionColumns+`
		FROM projections.positions WHERE position_id = $1`, id)
	p, err := qs.scanPosition(row, asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPositionsByOwner returns every position an owner ever held, newest
// first. Closed and liquidated positions are included when includeInactive.
func (qs *QueryService) GetPositionsByOwner(ctx context.Context, owner common.Address, includeInactive bool) (_ []PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("get_positions_by_owner", start, err) }(time.Now())

	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	query := `SELECT ` + positionColumns + ` FROM projections.positions WHERE owner = $1`
	if !includeInactive {
		query += ` AND status = 'Open'`
	}
	query += ` ORDER BY last_sequence DESC LIMIT $2`

	rows, err := qs.db.QueryContext(ctx, query, owner.Hex(), MaxPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		p, err := qs.scanPosition(rows, asOf)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// SettlementFilter narrows GetSettlements. Zero fields match everything.
type SettlementFilter struct {
	PositionID     *uuid.UUID
	Owner          *common.Address
	Kind           string
	BeforeSequence int64 // cursor: only settlements with a lower sequence
	Limit          int
}

// GetSettlements returns settlements newest first, paginated by sequence.
func (qs *QueryService) GetSettlements(ctx context.Context, f SettlementFilter) (_ []SettlementResponse, err error) {
	defer func(start time.Time) { qs.observe("get_settlements", start, err) }(time.Now())

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PositionID != nil {
		add("position_id = $%d", *f.PositionID)
	}
	if f.Owner != nil {
		add("owner = $%d", f.Owner.Hex())
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.BeforeSequence > 0 {
		add("sequence < $%d", f.BeforeSequence)
	}

	query := `SELECT sequence, position_id, owner, caller, kind, amount_to_pool, remaining_funds,
		profit, loss, shortfall, swept_tokens, timestamp FROM projections.settlements`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementResponse
	for rows.Next() {
		var (
			s  SettlementResponse
			ts time.Time
		)
		if err := rows.Scan(&s.Sequence, &s.PositionID, &s.Owner, &s.Caller, &s.Kind,
			&s.AmountToPool, &s.RemainingFunds, &s.Profit, &s.Loss, &s.Shortfall,
			&s.SweptTokens, &ts); err != nil {
			return nil, err
		}
		s.Timestamp = ts.Unix()
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetRiskState returns the projected circuit breaker and pool state.
func (qs *QueryService) GetRiskState(ctx context.Context) (_ *RiskStateResponse, err error) {
	defer func(start time.Time) { qs.observe("get_risk_state", start, err) }(time.Now())

	var (
		r           RiskStateResponse
		utilisation int64
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT cumulative_loss, max_cumulative_loss, paused, debt_multiplier, forbidden_mask,
		       total_borrowed, available_liquidity, total_loss, utilisation_bps, last_sequence
		FROM projections.risk_state WHERE id = 1
	`).Scan(&r.CumulativeLoss, &r.MaxCumulativeLoss, &r.Paused, &r.DebtMultiplier, &r.ForbiddenMask,
		&r.TotalBorrowed, &r.AvailableLiquidity, &r.TotalLoss, &utilisation, &r.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: risk state not yet projected", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	deriveRisk(&r, utilisation)
	return &r, nil
}

// deriveRisk fills the fields computed at query time.
func deriveRisk(r *RiskStateResponse, utilisationBps int64) {
	r.LossHeadroom = decimal.Max(r.MaxCumulativeLoss.Sub(r.CumulativeLoss), decimal.Zero)
	r.BorrowingFrozen = r.DebtMultiplier == 0
	r.UtilisationPct = decimal.New(utilisationBps, -2)
}

// GetBalance returns a holder's projected wallet balance of token.
func (qs *QueryService) GetBalance(ctx context.Context, holder, token common.Address) (_ *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("get_balance", start, err) }(time.Now())
	return qs.balanceOf(ctx, ledger.NewUserAccountKey(holder, token))
}

// GetPositionBalance returns the balance of token held by a position.
func (qs *QueryService) GetPositionBalance(ctx context.Context, id uuid.UUID, token common.Address) (_ *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("get_position_balance", start, err) }(time.Now())
	return qs.balanceOf(ctx, ledger.NewPositionAccountKey(id, token))
}

func (qs *QueryService) balanceOf(ctx context.Context, key ledger.AccountKey) (*BalanceResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	path := key.AccountPath()
	resp := &BalanceResponse{
		Account:      path,
		Token:        key.Token.Hex(),
		Symbol:       qs.tokens.Symbol(key.Token),
		AsOfSequence: asOf,
	}
	err = qs.db.QueryRowContext(ctx,
		`SELECT balance FROM projections.balances WHERE account_path = $1`, path,
	).Scan(&resp.Balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	resp.Display = qs.tokens.Display(key.Token, resp.Balance)
	return resp, nil
}

// GetJournalHistory returns journals touching any account of holder,
// newest first, paginated by sequence.
func (qs *QueryService) GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence int64) (_ []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("get_journal_history", start, err) }(time.Now())

	pattern := "user:" + holder.Hex() + ":%"
	query := `
		SELECT journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		       token, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)`
	args := []any{pattern}
	if beforeSequence > 0 {
		args = append(args, beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount, &e.JournalType, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and that every token's projected
// balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("verify_integrity", start, err) }(time.Now())

	report := &IntegrityReport{}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT split_part(account_path, ':', 3) AS token, SUM(balance)
		FROM projections.balances
		GROUP BY token
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var u UnbalancedToken
		if err := balanceRows.Scan(&u.Token, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedTokens = append(report.UnbalancedTokens, u)
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedTokens) == 0
	return report, balanceRows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
