package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionResponse is a position as projected after its last call. All
// responses carry as_of_sequence, the last call the projections include.
type PositionResponse struct {
	PositionID      uuid.UUID       `json:"position_id"`
	Owner           string          `json:"owner"`
	Debt            decimal.Decimal `json:"debt"`
	DebtDisplay     string          `json:"debt_display,omitempty"` // in whole underlying units
	CumulativeIndex decimal.Decimal `json:"cumulative_index"`
	QuotaInterest   decimal.Decimal `json:"quota_interest"`
	EnabledTokens   string          `json:"enabled_tokens"`
	Status          string          `json:"status"`
	OpenedAtBlock   int64           `json:"opened_at_block"`
	Version         int64           `json:"version"`
	LastSequence    int64           `json:"last_sequence"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// SettlementResponse is one closed or liquidated position.
type SettlementResponse struct {
	Sequence       int64           `json:"sequence"`
	PositionID     uuid.UUID       `json:"position_id"`
	Owner          string          `json:"owner"`
	Caller         string          `json:"caller"`
	Kind           string          `json:"kind"`
	AmountToPool   decimal.Decimal `json:"amount_to_pool"`
	RemainingFunds decimal.Decimal `json:"remaining_funds"`
	Profit         decimal.Decimal `json:"profit"`
	Loss           decimal.Decimal `json:"loss"`
	Shortfall      decimal.Decimal `json:"shortfall"`
	SweptTokens    string          `json:"swept_tokens"`
	Timestamp      int64           `json:"timestamp"`
}

// RiskStateResponse is the loss circuit breaker and pool view.
type RiskStateResponse struct {
	CumulativeLoss     decimal.Decimal `json:"cumulative_loss"`
	MaxCumulativeLoss  decimal.Decimal `json:"max_cumulative_loss"`
	LossHeadroom       decimal.Decimal `json:"loss_headroom"` // derived: max - cumulative, floored at 0
	Paused             bool            `json:"paused"`
	DebtMultiplier     int16           `json:"max_debt_per_block_multiplier"`
	BorrowingFrozen    bool            `json:"borrowing_frozen"`
	ForbiddenMask      string          `json:"forbidden_mask"`
	TotalBorrowed      decimal.Decimal `json:"total_borrowed"`
	AvailableLiquidity decimal.Decimal `json:"available_liquidity"`
	TotalLoss          decimal.Decimal `json:"total_loss"`
	UtilisationPct     decimal.Decimal `json:"utilisation_pct"`
	AsOfSequence       int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry is one stored journal touching an account.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Token         string          `json:"token"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedTokens []UnbalancedToken `json:"unbalanced_tokens,omitempty"`
}

// UnbalancedToken is a token whose projected balances do not sum to zero.
type UnbalancedToken struct {
	Token     string          `json:"token"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
