package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AccountScope represents the top-level holder namespace
type AccountScope uint8

const (
	AccountScopeExternal AccountScope = iota // issuance boundary, never stored
	AccountScopeUser
	AccountScopePosition
	AccountScopePool
	AccountScopeTreasury
	AccountScopeVenue
	AccountScopeWithdrawal
)

// AccountKey is the in-memory key for token balance tracking: one holder, one token.
type AccountKey struct {
	Scope    AccountScope
	EntityID [20]byte // address for users/venues, UUID (left-aligned) for positions
	Token    common.Address
}

// NewUserAccountKey creates a key for an identity's wallet balance
func NewUserAccountKey(owner common.Address, token common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeUser, EntityID: owner, Token: token}
}

// NewPositionAccountKey creates a key for the balance held by a position
func NewPositionAccountKey(positionID uuid.UUID, token common.Address) AccountKey {
	var entity [20]byte
	copy(entity[:], positionID[:])
	return AccountKey{Scope: AccountScopePosition, EntityID: entity, Token: token}
}

// NewVenueAccountKey creates a key for an external protocol contract behind an adapter
func NewVenueAccountKey(contract common.Address, token common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeVenue, EntityID: contract, Token: token}
}

func NewPoolAccountKey(token common.Address) AccountKey {
	return AccountKey{Scope: AccountScopePool, Token: token}
}

func NewTreasuryAccountKey(token common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeTreasury, Token: token}
}

func NewWithdrawalAccountKey(token common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeWithdrawal, Token: token}
}

func NewExternalAccountKey(token common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Token: token}
}

// PositionID returns the position id encoded in a position-scoped key.
func (k AccountKey) PositionID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], k.EntityID[:16])
	return id
}

// Holder returns the key with the token cleared, identifying the owner of the balance.
func (k AccountKey) Holder() AccountKey {
	return AccountKey{Scope: k.Scope, EntityID: k.EntityID}
}

// WithToken returns the same holder's key for another token.
func (k AccountKey) WithToken(token common.Address) AccountKey {
	k.Token = token
	return k
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	token := k.Token.Hex()
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", common.Address(k.EntityID).Hex(), token)
	case AccountScopePosition:
		return fmt.Sprintf("position:%s:%s", k.PositionID().String(), token)
	case AccountScopeVenue:
		return fmt.Sprintf("venue:%s:%s", common.Address(k.EntityID).Hex(), token)
	case AccountScopePool:
		return fmt.Sprintf("system:pool:%s", token)
	case AccountScopeTreasury:
		return fmt.Sprintf("system:treasury:%s", token)
	case AccountScopeWithdrawal:
		return fmt.Sprintf("system:withdrawals:%s", token)
	case AccountScopeExternal:
		return fmt.Sprintf("external:issuance:%s", token)
	}
	return "unknown"
}

func (s AccountScope) String() string {
	switch s {
	case AccountScopeExternal:
		return "external"
	case AccountScopeUser:
		return "user"
	case AccountScopePosition:
		return "position"
	case AccountScopePool:
		return "pool"
	case AccountScopeTreasury:
		return "treasury"
	case AccountScopeVenue:
		return "venue"
	case AccountScopeWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}
