package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeCollateralIn
	JournalTypeCollateralOut
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeProfit
	JournalTypeLossCover
	JournalTypeRemainingFunds
	JournalTypeShortfall
	JournalTypeSurplus
	JournalTypeSweep
	JournalTypeAdapter
	JournalTypeLiquiditySupply
	JournalTypeLiquidityWithdraw
	JournalTypeQueueIn
	JournalTypeQueueClaim
	JournalTypeQueueCancel
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "mint"
	case JournalTypeCollateralIn:
		return "collateral_in"
	case JournalTypeCollateralOut:
		return "collateral_out"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeProfit:
		return "profit"
	case JournalTypeLossCover:
		return "loss_cover"
	case JournalTypeRemainingFunds:
		return "remaining_funds"
	case JournalTypeShortfall:
		return "shortfall"
	case JournalTypeSurplus:
		return "surplus"
	case JournalTypeSweep:
		return "sweep"
	case JournalTypeAdapter:
		return "adapter"
	case JournalTypeLiquiditySupply:
		return "liquidity_supply"
	case JournalTypeLiquidityWithdraw:
		return "liquidity_withdraw"
	case JournalTypeQueueIn:
		return "queue_in"
	case JournalTypeQueueClaim:
		return "queue_claim"
	case JournalTypeQueueCancel:
		return "queue_cancel"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry token movement
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups the movements of one call
	EventRef      string         // Idempotency key of source call
	Sequence      int64          // Global call sequence
	DebitAccount  AccountKey     // Account receiving the tokens (balance increases)
	CreditAccount AccountKey     // Account sending the tokens (balance decreases)
	Token         common.Address // Token being moved
	Amount        *uint256.Int   // Always positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (unix seconds)
}

// Batch represents every movement produced by one successful call
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal is balanced by
// construction (one amount moves from credit to debit), so only shape is checked.
// An empty batch is valid: admin calls and failed-permit paths move nothing.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Token != j.Token || j.CreditAccount.Token != j.Token {
			return fmt.Errorf("journal %s mixes tokens", j.JournalID)
		}
	}
	return nil
}
