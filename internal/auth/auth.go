// Package auth issues and verifies order book challenges. A client signs the
// challenge typed data and presents "<hash>_<signature>_<address>" as its
// Authorization header.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"

	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/repo"
	"marketline/internal/wallet"
)

// Challenge domain served to clients.
const (
	ChallengeDomainName    = "iExec Gateway"
	ChallengeDomainVersion = "1"
	DefaultTTL             = time.Hour
)

// Service provides challenge helpers backed by SQL.
type Service struct {
	Repo repo.Repo
	TTL  time.Duration
	Now  func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ChallengeTypedData builds the document a client signs for value.
func ChallengeTypedData(chainID uint64, value string) eip712.TypedData {
	return eip712.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Challenge": {{Name: "challenge", Type: "string"}},
		},
		PrimaryType: "Challenge",
		Domain: map[string]any{
			"name":    ChallengeDomainName,
			"version": ChallengeDomainVersion,
			"chainId": chainID,
		},
		Message: map[string]any{"challenge": value},
	}
}

// Issue creates and stores a fresh challenge for address.
func (s Service) Issue(ctx context.Context, chainID uint64, address common.Address) (eip712.TypedData, error) {
	td := ChallengeTypedData(chainID, uuid.NewString())
	hash, err := eip712.HashTypedData(td)
	if err != nil {
		return eip712.TypedData{}, err
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	if _, err := s.Repo.PurgeChallenges(ctx, now); err != nil {
		return eip712.TypedData{}, err
	}
	err = s.Repo.InsertChallenge(ctx, repo.Challenge{
		Hash:      hash,
		ChainID:   chainID,
		Address:   address,
		Value:     td.Message["challenge"].(string),
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return eip712.TypedData{}, err
	}
	return td, nil
}

// Token splits an authorization token into its parts.
type Token struct {
	Hash      common.Hash
	Signature []byte
	Address   common.Address
}

func ParseToken(raw string) (Token, error) {
	parts := strings.Split(strings.TrimSpace(raw), "_")
	if len(parts) != 3 {
		return Token{}, errors.New("malformed authorization")
	}
	hash, err := hexutil.Decode(parts[0])
	if err != nil || len(hash) != common.HashLength {
		return Token{}, errors.New("malformed authorization hash")
	}
	sig, err := hexutil.Decode(parts[1])
	if err != nil {
		return Token{}, errors.New("malformed authorization signature")
	}
	if !common.IsHexAddress(parts[2]) {
		return Token{}, errors.New("malformed authorization address")
	}
	return Token{Hash: common.BytesToHash(hash), Signature: sig, Address: common.HexToAddress(parts[2])}, nil
}

// Verify checks a token against the stored challenge and returns the
// authenticated address. Tokens stay valid until the challenge expires.
func (s Service) Verify(ctx context.Context, chainID uint64, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, domain.AuthenticationErr("authorization required", nil)
	}
	tok, err := ParseToken(raw)
	if err != nil {
		return common.Address{}, domain.AuthenticationErr("invalid authorization", err)
	}
	c, err := s.Repo.GetChallenge(ctx, tok.Hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return common.Address{}, domain.AuthenticationErr("invalid authorization", err)
		}
		return common.Address{}, err
	}
	switch {
	case !s.now().Before(c.ExpiresAt):
		return common.Address{}, domain.AuthenticationErr("authorization expired", nil)
	case c.ChainID != chainID:
		return common.Address{}, domain.AuthenticationErr("authorization issued for another chain", nil)
	case c.Address != tok.Address:
		return common.Address{}, domain.AuthenticationErr("authorization issued for another address", nil)
	}
	signer, err := wallet.Recover(tok.Hash, tok.Signature)
	if err != nil {
		return common.Address{}, domain.AuthenticationErr("invalid authorization", err)
	}
	if signer != tok.Address {
		return common.Address{}, domain.AuthenticationErr("authorization signature mismatch", nil)
	}
	return signer, nil
}
