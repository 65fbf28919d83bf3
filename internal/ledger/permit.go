package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrPermitExpired      = errors.New("permit expired")
	ErrPermitBadSignature = errors.New("permit signature does not match owner")
)

// Permit is a signed off-line approval: owner lets spender move amount of token.
type Permit struct {
	Owner     common.Address
	Spender   common.Address
	Token     common.Address
	Amount    *uint256.Int
	Deadline  int64
	Signature []byte // 65 bytes, [R || S || V] with V in {0, 1}
}

// PermitDigest is the hash an owner signs for a permit at the given nonce.
func PermitDigest(owner, spender, token common.Address, amount *uint256.Int, nonce uint64, deadline int64) common.Hash {
	var nonceBuf, deadlineBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	binary.BigEndian.PutUint64(deadlineBuf[:], uint64(deadline))
	amountBuf := amount.Bytes32()
	return crypto.Keccak256Hash(
		[]byte("CreditLedger.Permit"),
		owner.Bytes(),
		spender.Bytes(),
		token.Bytes(),
		amountBuf[:],
		nonceBuf[:],
		deadlineBuf[:],
	)
}

// ApplyPermit verifies p against the owner's current nonce and, if valid,
// sets the allowance and consumes the nonce.
func (bt *BalanceTracker) ApplyPermit(p *Permit, now int64) error {
	if now > p.Deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrPermitExpired, p.Deadline, now)
	}
	nonce := bt.nonces[p.Owner]
	digest := PermitDigest(p.Owner, p.Spender, p.Token, p.Amount, nonce, p.Deadline)
	pub, err := crypto.SigToPub(digest.Bytes(), p.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermitBadSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != p.Owner {
		return ErrPermitBadSignature
	}
	prev := nonce
	bt.log.Record(func() { bt.nonces[p.Owner] = prev })
	bt.nonces[p.Owner] = nonce + 1
	bt.Approve(p.Owner, p.Spender, p.Token, p.Amount)
	return nil
}
