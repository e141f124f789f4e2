package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

var ErrBadTickSignature = errors.New("tick signature does not match signer")

// Signer signs the ticks a trader publishes. Its address is what
// matchmakers check a tick signature against.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateKey returns a signer with a fresh secp256k1 key.
func GenerateKey() (*Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newSigner(key), nil
}

// FromPrivateKeyHex loads a signer from 64 hex chars, with or without 0x.
func FromPrivateKeyHex(s string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newSigner(key), nil
}

func (s *Signer) Address() common.Address { return s.addr }

// PrivateKeyHex is the inverse of FromPrivateKeyHex, without the 0x prefix.
func (s *Signer) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(s.key))
}

// SignTick stamps t with the signer's address and signs the digest. The
// address is part of the digest, so it is set first.
func (s *Signer) SignTick(t *order.Tick) error {
	t.Signer = s.addr
	sig, err := ethcrypto.Sign(t.Digest(), s.key)
	if err != nil {
		return fmt.Errorf("sign tick %s: %w", t.OrderID, err)
	}
	t.Signature = sig
	return nil
}

// TickSigner recovers the address that produced t's signature.
func TickSigner(t order.Tick) (common.Address, error) {
	if len(t.Signature) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(t.Signature))
	}
	pub, err := ethcrypto.SigToPub(t.Digest(), t.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyTick checks that t was signed by the address it carries.
func VerifyTick(t order.Tick) error {
	addr, err := TickSigner(t)
	if err != nil || addr != t.Signer {
		return ErrBadTickSignature
	}
	return nil
}
