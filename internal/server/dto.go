package server

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
	"marketline/internal/eip712"
)

// ChallengeResponse wraps the typed data a client signs to authenticate.
type ChallengeResponse struct {
	Data eip712.TypedData `json:"data"`
}

// PublishRequest is the body of POST /<kind>orders. The order stays raw so
// the book can decode it for the kind named by the path.
type PublishRequest struct {
	ChainID uint64          `json:"chainId"`
	Order   json.RawMessage `json:"order"`
}

type PublishResponse struct {
	Published domain.PublishedOrder `json:"published"`
}

type UnpublishResponse struct {
	Unpublished []common.Hash `json:"unpublished"`
}

type DealResponse struct {
	DealID common.Hash `json:"dealid"`
}
