// Package ledger is the boundary to the settlement contract and the resource
// registries. Eth talks to a node, Memory simulates one in-process.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
)

// Ledger is what the orchestrator needs from the chain.
type Ledger interface {
	// IsDeployed reports whether addr is a registered app, dataset or workerpool.
	IsDeployed(ctx context.Context, kind domain.Kind, addr common.Address) (bool, error)
	// IsContract reports whether code is deployed at addr.
	IsContract(ctx context.Context, addr common.Address) (bool, error)
	// Consumed returns the volume already consumed (or cancelled) of an order.
	Consumed(ctx context.Context, hash common.Hash) (domain.Uint256, error)
	MatchOrders(ctx context.Context, set OrderSet) (Deal, error)
	// CancelOrder closes o on-chain and returns the transaction hash.
	CancelOrder(ctx context.Context, o domain.Order) (common.Hash, error)
}

// OrderSet is a signed quadruplet. Dataset is nil when the request uses no
// dataset.
type OrderSet struct {
	App        domain.AppOrder
	Dataset    *domain.DatasetOrder
	Workerpool domain.WorkerpoolOrder
	Request    domain.RequestOrder
}

// Deal is the outcome of a settled match.
type Deal struct {
	DealID         common.Hash    `json:"dealid"`
	Volume         domain.Uint256 `json:"volume"`
	TxHash         common.Hash    `json:"txHash"`
	AppHash        common.Hash    `json:"appHash"`
	DatasetHash    common.Hash    `json:"datasetHash"`
	WorkerpoolHash common.Hash    `json:"workerpoolHash"`
	RequestHash    common.Hash    `json:"requestHash"`
}

// Remaining returns volume - consumed, floored at zero.
func Remaining(volume, consumed domain.Uint256) domain.Uint256 {
	if consumed.Cmp(volume) >= 0 {
		return domain.Uint256{}
	}
	left := volume.Big()
	left.Sub(left, consumed.Big())
	v, _ := domain.Uint256FromBig(left)
	return v
}
