package adapter

import (
	"errors"
	"fmt"

	"CreditLedger/internal/ledger"
	"CreditLedger/internal/state"
	"CreditLedger/internal/undo"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrAdapterNotFound   = errors.New("adapter not registered")
	ErrAdapterExists     = errors.New("adapter already registered")
	ErrAllowanceExceeded = errors.New("adapter allowance exceeded")
	ErrInvalidPayload    = errors.New("invalid adapter payload")
)

// Adapter executes one external-protocol call on behalf of a position. It
// returns the collateral bits the call introduced and the ones it emptied.
type Adapter interface {
	Execute(ctx *Context, payload []byte) (enable, disable state.TokenMask, err error)
}

// Prices converts between tokens at oracle prices.
type Prices interface {
	Convert(amount *uint256.Int, from, to common.Address) (*uint256.Int, error)
}

// Dispatcher is the entry point an adapter may call back into. Calls made
// while a batch is executing are rejected.
type Dispatcher interface {
	Reenter(call any) error
}

// Context is handed to an adapter for a single call. It binds the active
// position and the adapter's target venue; token movements go through the
// ledger and only within approvals granted for this call.
type Context struct {
	PositionID uuid.UUID
	Target     common.Address
	Now        int64
	Registry   *state.TokenRegistry
	Prices     Prices
	Dispatcher Dispatcher

	tracker    *ledger.BalanceTracker
	allowances map[common.Address]*uint256.Int
}

func NewContext(positionID uuid.UUID, target common.Address, now int64, tracker *ledger.BalanceTracker, registry *state.TokenRegistry, prices Prices, dispatcher Dispatcher) *Context {
	return &Context{
		PositionID: positionID,
		Target:     target,
		Now:        now,
		Registry:   registry,
		Prices:     prices,
		Dispatcher: dispatcher,
		tracker:    tracker,
		allowances: make(map[common.Address]*uint256.Int),
	}
}

// Balance returns the position's balance of token.
func (c *Context) Balance(token common.Address) *uint256.Int {
	return c.tracker.GetBalance(ledger.NewPositionAccountKey(c.PositionID, token))
}

// VenueBalance returns the target's balance of token.
func (c *Context) VenueBalance(token common.Address) *uint256.Int {
	return c.tracker.GetBalance(ledger.NewVenueAccountKey(c.Target, token))
}

// Approve lets the target pull up to amount of token from the position
// during this call.
func (c *Context) Approve(token common.Address, amount *uint256.Int) {
	c.allowances[token] = amount.Clone()
}

// Pull moves token from the position to the target within the approval.
func (c *Context) Pull(token common.Address, amount *uint256.Int) error {
	allowance, ok := c.allowances[token]
	if !ok || allowance.Lt(amount) {
		return fmt.Errorf("%w: %s", ErrAllowanceExceeded, token.Hex())
	}
	err := c.tracker.Transfer(
		ledger.NewPositionAccountKey(c.PositionID, token),
		ledger.NewVenueAccountKey(c.Target, token),
		amount, ledger.JournalTypeAdapter)
	if err != nil {
		return err
	}
	allowance.Sub(allowance, amount)
	return nil
}

// Push moves token from the target to the position.
func (c *Context) Push(token common.Address, amount *uint256.Int) error {
	return c.tracker.Transfer(
		ledger.NewVenueAccountKey(c.Target, token),
		ledger.NewPositionAccountKey(c.PositionID, token),
		amount, ledger.JournalTypeAdapter)
}

// MaskOf returns the collateral bit of token.
func (c *Context) MaskOf(token common.Address) (state.TokenMask, error) {
	return c.Registry.MaskOf(token)
}

// Binding is a registered adapter and the venue it trades against
type Binding struct {
	Adapter Adapter
	Target  common.Address
}

// Registry maps adapter identities to implementations.
type Registry struct {
	bindings map[common.Address]Binding
	log      *undo.Log
}

func NewRegistry(log *undo.Log) *Registry {
	return &Registry{bindings: make(map[common.Address]Binding), log: log}
}

// Register binds id to adapter a trading against target.
func (r *Registry) Register(id, target common.Address, a Adapter) error {
	if _, ok := r.bindings[id]; ok {
		return fmt.Errorf("%w: %s", ErrAdapterExists, id.Hex())
	}
	undo.SetMapEntry(r.log, r.bindings, id, Binding{Adapter: a, Target: target})
	return nil
}

// Lookup returns the binding for id.
func (r *Registry) Lookup(id common.Address) (Binding, error) {
	b, ok := r.bindings[id]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, id.Hex())
	}
	return b, nil
}

// ContractOf returns the venue behind adapter id.
func (r *Registry) ContractOf(id common.Address) (common.Address, error) {
	b, err := r.Lookup(id)
	return b.Target, err
}
