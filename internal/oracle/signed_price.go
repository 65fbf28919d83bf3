package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// SignedPrice is an on-demand price payload signed by the feed's signer.
type SignedPrice struct {
	Token     common.Address `json:"token"`
	Price     *uint256.Int   `json:"price"`
	Timestamp int64          `json:"timestamp"`
	Signature []byte         `json:"signature"`
}

// Digest is the hash the signer signs.
func (p *SignedPrice) Digest() common.Hash {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp))
	price := p.Price.Bytes32()
	return crypto.Keccak256Hash([]byte("CreditLedger.Price"), p.Token.Bytes(), price[:], ts[:])
}

// Recover returns the address that signed the payload.
func (p *SignedPrice) Recover() (common.Address, error) {
	if p.Price == nil {
		return common.Address{}, fmt.Errorf("%w: missing price", ErrBadSignature)
	}
	pub, err := crypto.SigToPub(p.Digest().Bytes(), p.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign fills in the signature with key.
func (p *SignedPrice) Sign(key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(p.Digest().Bytes(), key)
	if err != nil {
		return fmt.Errorf("sign price: %w", err)
	}
	p.Signature = sig
	return nil
}
