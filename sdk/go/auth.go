package booksdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketline/internal/domain"
	"marketline/internal/eip712"
)

// TypedDataSigner signs EIP-712 documents. wallet.KeySigner satisfies it.
type TypedDataSigner interface {
	SignTypedData(td eip712.TypedData) ([]byte, error)
}

// Authenticate answers the book challenge for address and returns the
// authorization token "<hash>_<signature>_<address>".
func (c *Client) Authenticate(ctx context.Context, chainID uint64, address common.Address, signer TypedDataSigner) (string, error) {
	endpoint := "challenge?" + query(map[string]string{
		"chainId": strconv.FormatUint(chainID, 10),
		"address": address.Hex(),
	})
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &raw); err != nil {
		return "", err
	}
	td, err := decodeChallenge(raw)
	if err != nil {
		return "", domain.AuthenticationErr("failed to get authorization", err)
	}
	sig, err := signer.SignTypedData(td)
	if err != nil {
		return "", domain.AuthenticationErr("failed to get authorization", err)
	}
	hash, err := eip712.HashTypedData(td)
	if err != nil {
		return "", domain.AuthenticationErr("failed to get authorization", err)
	}
	return hash.Hex() + "_" + hexutil.Encode(sig) + "_" + address.Hex(), nil
}

// decodeChallenge accepts the typed data either bare or under "data" and
// drops any EIP712Domain type so it is rebuilt from the domain fields.
func decodeChallenge(raw []byte) (eip712.TypedData, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		raw = envelope.Data
	}
	td, err := eip712.DecodeTypedData(raw)
	if err != nil {
		return eip712.TypedData{}, fmt.Errorf("unexpected challenge format: %w", err)
	}
	delete(td.Types, "EIP712Domain")
	if len(td.Domain) == 0 || len(td.Types) == 0 || len(td.Message) == 0 {
		return eip712.TypedData{}, fmt.Errorf("unexpected challenge format")
	}
	return td, nil
}
