package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatch verifies every journal in the batch is well-formed
func (v *InvariantValidator) ValidateBatch(batch *Batch) error {
	return batch.Validate()
}

// ValidateSupply verifies that tokens are conserved: the sum of every stored
// balance equals what was minted across the external boundary.
func (v *InvariantValidator) ValidateSupply() error {
	held := v.tracker.ComputeHeldSupply()
	for token, total := range held {
		issued := v.tracker.Issued(token)
		if !total.Eq(issued) {
			return fmt.Errorf("token %s: held %s != issued %s", token.Hex(), total.Dec(), issued.Dec())
		}
	}
	for token, supply := range v.tracker.issued {
		if _, ok := held[token]; !ok && !supply.IsZero() {
			return fmt.Errorf("token %s: issued %s but nothing held", token.Hex(), supply.Dec())
		}
	}
	return nil
}

// ValidateTokenSupply is ValidateSupply restricted to one token.
func (v *InvariantValidator) ValidateTokenSupply(token common.Address) error {
	held := v.tracker.ComputeHeldSupply()[token]
	issued := v.tracker.Issued(token)
	if held == nil {
		if issued.IsZero() {
			return nil
		}
		return fmt.Errorf("token %s: issued %s but nothing held", token.Hex(), issued.Dec())
	}
	if !held.Eq(issued) {
		return fmt.Errorf("token %s: held %s != issued %s", token.Hex(), held.Dec(), issued.Dec())
	}
	return nil
}
