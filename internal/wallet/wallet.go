// Package wallet signs order and challenge hashes with secp256k1 keys.
package wallet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"marketline/internal/domain"
	"marketline/internal/eip712"
)

// Signer produces recoverable 65-byte signatures (r || s || v, v in {27, 28}).
type Signer interface {
	Address() common.Address
	SignHash(hash common.Hash) ([]byte, error)
	SignTypedData(td eip712.TypedData) ([]byte, error)
}

// KeySigner holds an unlocked private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromHex loads a raw hex private key, with or without 0x prefix.
func FromHex(hexKey string) (*KeySigner, error) {
	if len(hexKey) > 1 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, domain.SigningErr("invalid private key", err)
	}
	return NewKeySigner(key), nil
}

// LoadKeystore decrypts an encrypted JSON keystore file.
func LoadKeystore(path, password string) (*KeySigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.SigningErr("wallet not found", err)
	}
	k, err := keystore.DecryptKey(raw, password)
	if err != nil {
		return nil, domain.SigningErr("failed to unlock wallet", err)
	}
	return NewKeySigner(k.PrivateKey), nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

func (s *KeySigner) SignHash(hash common.Hash) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, domain.SigningErr("wallet is locked", nil)
	}
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, domain.SigningErr("failed to sign hash", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (s *KeySigner) SignTypedData(td eip712.TypedData) ([]byte, error) {
	hash, err := eip712.HashTypedData(td)
	if err != nil {
		return nil, domain.SigningErr("failed to hash typed data", err)
	}
	return s.SignHash(hash)
}

// SignTx signs a transaction for the given chain.
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s == nil || s.key == nil {
		return nil, domain.SigningErr("wallet is locked", nil)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, domain.SigningErr("failed to sign transaction", err)
	}
	return signed, nil
}

// Recover returns the address that produced sig over hash. Both 27/28 and
// 0/1 recovery ids are accepted.
func Recover(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	v := normalized[crypto.RecoveryIDOffset]
	if v >= 27 {
		normalized[crypto.RecoveryIDOffset] = v - 27
	}
	if normalized[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, errors.New("invalid signature recovery id")
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignOrder hashes o for d, signs it and returns the signed copy with its hash.
func SignOrder(s Signer, o domain.Order, d eip712.Domain) (domain.Order, common.Hash, error) {
	hash, err := eip712.HashOrder(o, d)
	if err != nil {
		return nil, common.Hash{}, err
	}
	sig, err := s.SignHash(hash)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return o.Signed(sig), hash, nil
}
