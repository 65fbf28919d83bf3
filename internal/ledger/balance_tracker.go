package ledger

import (
	"errors"
	"fmt"
	"sort"

	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrTransferBlocked       = errors.New("transfer to blocked holder")
	ErrTokenMismatch         = errors.New("token mismatch between accounts")
	ErrZeroAmount            = errors.New("zero amount")
)

// AllowanceKey identifies an owner's approval for a spender on one token
type AllowanceKey struct {
	Owner   common.Address
	Spender common.Address
	Token   common.Address
}

// BalanceTracker maintains in-memory token balances, allowances and the
// transfer block list. Every mutation is recorded in the undo log.
type BalanceTracker struct {
	balances   map[AccountKey]uint256.Int
	issued     map[common.Address]uint256.Int
	allowances map[AllowanceKey]uint256.Int
	nonces     map[common.Address]uint64
	blocked    map[AccountKey]bool

	journals *JournalGenerator
	log      *undo.Log
}

func NewBalanceTracker(log *undo.Log, journals *JournalGenerator) *BalanceTracker {
	return &BalanceTracker{
		balances:   make(map[AccountKey]uint256.Int),
		issued:     make(map[common.Address]uint256.Int),
		allowances: make(map[AllowanceKey]uint256.Int),
		nonces:     make(map[common.Address]uint64),
		blocked:    make(map[AccountKey]bool),
		journals:   journals,
		log:        log,
	}
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	v := bt.balances[key]
	return v.Clone()
}

// Issued returns the total supply minted into the ledger for a token.
func (bt *BalanceTracker) Issued(token common.Address) *uint256.Int {
	v := bt.issued[token]
	return v.Clone()
}

// Mint moves newly issued tokens from the external boundary into an account.
func (bt *BalanceTracker) Mint(to AccountKey, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	if to.Scope == AccountScopeExternal {
		return fmt.Errorf("mint into external account %s", to.AccountPath())
	}
	supply := bt.issued[to.Token]
	newSupply, overflow := new(uint256.Int).AddOverflow(&supply, amount)
	if overflow {
		return fmt.Errorf("mint %s: supply overflow", to.Token.Hex())
	}
	undo.SetMapEntry(bt.log, bt.issued, to.Token, *newSupply)
	bt.credit(to, amount)
	bt.journals.Record(to, NewExternalAccountKey(to.Token), amount, JournalTypeMint)
	return nil
}

// Transfer moves amount from one holder to another. A zero amount is a no-op.
func (bt *BalanceTracker) Transfer(from, to AccountKey, amount *uint256.Int, journalType JournalType) error {
	if from.Token != to.Token {
		return ErrTokenMismatch
	}
	if amount.IsZero() {
		return nil
	}
	if bt.blocked[to] {
		return fmt.Errorf("%w: %s", ErrTransferBlocked, to.AccountPath())
	}
	balance := bt.balances[from]
	if balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s",
			ErrInsufficientBalance, from.AccountPath(), balance.Dec(), amount.Dec())
	}
	bt.debit(from, amount)
	bt.credit(to, amount)
	bt.journals.Record(to, from, amount, journalType)
	return nil
}

// TransferFrom moves an identity's tokens on behalf of spender, consuming allowance.
// An allowance of MaxUint256 is never decremented.
func (bt *BalanceTracker) TransferFrom(spender, owner common.Address, to AccountKey, amount *uint256.Int, journalType JournalType) error {
	if amount.IsZero() {
		return nil
	}
	key := AllowanceKey{Owner: owner, Spender: spender, Token: to.Token}
	allowance := bt.allowances[key]
	if allowance.Lt(amount) {
		return fmt.Errorf("%w: %s approved %s for %s, needs %s",
			ErrInsufficientAllowance, owner.Hex(), spender.Hex(), allowance.Dec(), amount.Dec())
	}
	if err := bt.Transfer(NewUserAccountKey(owner, to.Token), to, amount, journalType); err != nil {
		return err
	}
	if !isMax(&allowance) {
		undo.SetMapEntry(bt.log, bt.allowances, key, *new(uint256.Int).Sub(&allowance, amount))
	}
	return nil
}

// Approve sets spender's allowance over owner's tokens.
func (bt *BalanceTracker) Approve(owner, spender, token common.Address, amount *uint256.Int) {
	key := AllowanceKey{Owner: owner, Spender: spender, Token: token}
	if amount.IsZero() {
		undo.DeleteMapEntry(bt.log, bt.allowances, key)
		return
	}
	undo.SetMapEntry(bt.log, bt.allowances, key, *amount)
}

func (bt *BalanceTracker) Allowance(owner, spender, token common.Address) *uint256.Int {
	v := bt.allowances[AllowanceKey{Owner: owner, Spender: spender, Token: token}]
	return v.Clone()
}

// Nonce returns the next permit nonce for owner.
func (bt *BalanceTracker) Nonce(owner common.Address) uint64 {
	return bt.nonces[owner]
}

// SetBlocked adds or removes a holder/token pair from the transfer block list.
func (bt *BalanceTracker) SetBlocked(key AccountKey, blocked bool) {
	if blocked {
		undo.SetMapEntry(bt.log, bt.blocked, key, true)
		return
	}
	undo.DeleteMapEntry(bt.log, bt.blocked, key)
}

func (bt *BalanceTracker) IsBlocked(key AccountKey) bool {
	return bt.blocked[key]
}

func (bt *BalanceTracker) credit(key AccountKey, amount *uint256.Int) {
	balance := bt.balances[key]
	undo.SetMapEntry(bt.log, bt.balances, key, *new(uint256.Int).Add(&balance, amount))
}

func (bt *BalanceTracker) debit(key AccountKey, amount *uint256.Int) {
	balance := bt.balances[key]
	next := new(uint256.Int).Sub(&balance, amount)
	if next.IsZero() {
		undo.DeleteMapEntry(bt.log, bt.balances, key)
		return
	}
	undo.SetMapEntry(bt.log, bt.balances, key, *next)
}

// ComputeHeldSupply sums every stored balance per token. Together with Issued
// it gives the conservation check: held == issued for each token.
func (bt *BalanceTracker) ComputeHeldSupply() map[common.Address]*uint256.Int {
	totals := make(map[common.Address]*uint256.Int)
	for key, balance := range bt.balances {
		total, ok := totals[key.Token]
		if !ok {
			total = new(uint256.Int)
			totals[key.Token] = total
		}
		total.Add(total, &balance)
	}
	return totals
}

// BalanceEntry is one serialised balance
type BalanceEntry struct {
	Account AccountKey   `json:"account"`
	Amount  *uint256.Int `json:"amount"`
}

// AllowanceEntry is one serialised allowance
type AllowanceEntry struct {
	Key    AllowanceKey `json:"key"`
	Amount *uint256.Int `json:"amount"`
}

// TrackerSnapshot is the serialisable state of the tracker
type TrackerSnapshot struct {
	Balances   []BalanceEntry                  `json:"balances"`
	Issued     map[common.Address]*uint256.Int `json:"issued"`
	Allowances []AllowanceEntry                `json:"allowances"`
	Nonces     map[common.Address]uint64       `json:"nonces"`
	Blocked    []AccountKey                    `json:"blocked"`
}

// Snapshot returns a deterministic copy of the tracker state
func (bt *BalanceTracker) Snapshot() *TrackerSnapshot {
	snap := &TrackerSnapshot{
		Balances:   make([]BalanceEntry, 0, len(bt.balances)),
		Issued:     make(map[common.Address]*uint256.Int, len(bt.issued)),
		Allowances: make([]AllowanceEntry, 0, len(bt.allowances)),
		Nonces:     make(map[common.Address]uint64, len(bt.nonces)),
		Blocked:    make([]AccountKey, 0, len(bt.blocked)),
	}
	for k, v := range bt.balances {
		snap.Balances = append(snap.Balances, BalanceEntry{Account: k, Amount: v.Clone()})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		return snap.Balances[i].Account.AccountPath() < snap.Balances[j].Account.AccountPath()
	})
	for k, v := range bt.issued {
		snap.Issued[k] = v.Clone()
	}
	for k, v := range bt.allowances {
		snap.Allowances = append(snap.Allowances, AllowanceEntry{Key: k, Amount: v.Clone()})
	}
	for k, v := range bt.nonces {
		snap.Nonces[k] = v
	}
	for k := range bt.blocked {
		snap.Blocked = append(snap.Blocked, k)
	}
	return snap
}

// Restore replaces the tracker state with snap. Not recorded in the undo log.
func (bt *BalanceTracker) Restore(snap *TrackerSnapshot) {
	clear(bt.balances)
	clear(bt.issued)
	clear(bt.allowances)
	clear(bt.nonces)
	clear(bt.blocked)
	for _, e := range snap.Balances {
		bt.balances[e.Account] = *e.Amount
	}
	for k, v := range snap.Issued {
		bt.issued[k] = *v
	}
	for _, e := range snap.Allowances {
		bt.allowances[e.Key] = *e.Amount
	}
	for k, v := range snap.Nonces {
		bt.nonces[k] = v
	}
	for _, k := range snap.Blocked {
		bt.blocked[k] = true
	}
}

func isMax(v *uint256.Int) bool {
	return v.Eq(new(uint256.Int).SetAllOne())
}
