package ledger

import (
	"CreditLedger/internal/undo"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator collects the journals produced while one call executes.
// Movements are applied to balances immediately; the generator only keeps the
// audit trail that is persisted with the call's envelope.
type JournalGenerator struct {
	sequence int64
	current  *Batch
	log      *undo.Log
}

func NewJournalGenerator(startSequence int64, log *undo.Log) *JournalGenerator {
	return &JournalGenerator{
		sequence: startSequence,
		log:      log,
	}
}

// Begin opens the batch for the call identified by eventRef.
func (jg *JournalGenerator) Begin(eventRef string, timestamp int64) {
	jg.current = &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 8),
	}
}

// Record appends a journal to the open batch. Movements made with no batch
// open (snapshot restore, fixtures) leave no journal.
func (jg *JournalGenerator) Record(debit, credit AccountKey, amount *uint256.Int, journalType JournalType) {
	if jg.current == nil {
		return
	}
	batch := jg.current
	n := len(batch.Journals)
	jg.log.Record(func() { batch.Journals = batch.Journals[:n] })
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         debit.Token,
		Amount:        amount.Clone(),
		JournalType:   journalType,
		Timestamp:     batch.Timestamp,
	})
}

// Finish closes the open batch and advances the sequence.
func (jg *JournalGenerator) Finish() *Batch {
	batch := jg.current
	jg.current = nil
	if batch != nil {
		jg.sequence++
	}
	return batch
}

// Abort drops the open batch without consuming a sequence number.
func (jg *JournalGenerator) Abort() {
	jg.current = nil
}

func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}
