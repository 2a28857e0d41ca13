// Package book implements the order book kept by the local server: signed
// orders keyed by hash, per-signer withdrawal and deal history.
package book

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/events"
	"marketline/internal/repo"
	"marketline/internal/wallet"
)

// PageSize is the number of deals per page.
const PageSize = 20

type Service struct {
	Repo   repo.Repo
	Events events.Writer
	Domain eip712.Domain
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Publish verifies and stores a signed order submitted by caller.
func (s Service) Publish(ctx context.Context, caller common.Address, chainID uint64, kind domain.Kind, raw json.RawMessage) (repo.BookOrder, error) {
	if chainID != s.Domain.ChainID {
		return repo.BookOrder{}, domain.Validationf("chainId", "chainId %d is not served by this book", chainID)
	}
	o, err := domain.DecodeOrder(kind, raw)
	if err != nil {
		return repo.BookOrder{}, domain.Validationf("order", "invalid %s: %v", kind, err)
	}
	if o.OrderVolume().IsZero() {
		return repo.BookOrder{}, domain.Validationf("volume", "volume must be greater than 0")
	}
	if len(o.Signature()) == 0 {
		return repo.BookOrder{}, domain.Validationf("sign", "%s is not signed", kind)
	}
	hash, err := eip712.HashOrder(o, s.Domain)
	if err != nil {
		return repo.BookOrder{}, domain.Validationf("order", "cannot hash %s: %v", kind, err)
	}
	signer, err := wallet.Recover(hash, o.Signature())
	if err != nil {
		return repo.BookOrder{}, domain.Validationf("sign", "invalid signature: %v", err)
	}
	if signer != caller {
		return repo.BookOrder{}, domain.AuthenticationErr("order signer does not match authorization", nil)
	}
	resource, ok := domain.Subject(o)
	if !ok {
		req := o.(domain.RequestOrder)
		if req.Requester != signer {
			return repo.BookOrder{}, domain.AuthenticationErr("requestorder must be signed by its requester", nil)
		}
		resource = req.Requester
	}
	canonical, err := json.Marshal(o)
	if err != nil {
		return repo.BookOrder{}, err
	}
	bo := repo.BookOrder{
		PublishedOrder: domain.PublishedOrder{
			OrderHash:            hash,
			ChainID:              chainID,
			Kind:                 kind,
			Order:                canonical,
			Remaining:            o.OrderVolume(),
			Status:               repo.StatusOpen,
			Signer:               signer,
			PublicationTimestamp: s.now().UTC().Format(time.RFC3339),
		},
		Resource: resource,
		Volume:   o.OrderVolume(),
	}
	if err := s.Repo.InsertBookOrder(ctx, bo); err != nil {
		return repo.BookOrder{}, err
	}
	if bo, err = s.Repo.GetBookOrder(ctx, chainID, kind, hash); err != nil {
		return repo.BookOrder{}, err
	}
	if err := s.Events.Append(ctx, nil, events.OrderPublished, chainID, kind.String(), hash.Hex(), signer.Hex(), events.EventPayload{"volume": bo.Volume.String()}); err != nil {
		return repo.BookOrder{}, err
	}
	return bo, nil
}

// Target modes accepted by Unpublish.
const (
	TargetOrderHash = "unpublish_orderHash"
	TargetLast      = "unpublish_last"
	TargetAll       = "unpublish_all"
)

// UnpublishRequest mirrors the PUT body.
type UnpublishRequest struct {
	ChainID   uint64          `json:"chainId"`
	Target    string          `json:"target"`
	OrderHash *common.Hash    `json:"orderHash,omitempty"`
	Resource  *common.Address `json:"resource,omitempty"`
}

// Unpublish withdraws open orders signed by caller.
func (s Service) Unpublish(ctx context.Context, caller common.Address, kind domain.Kind, req UnpublishRequest) ([]common.Hash, error) {
	if req.ChainID != s.Domain.ChainID {
		return nil, domain.Validationf("chainId", "chainId %d is not served by this book", req.ChainID)
	}
	f := repo.UnpublishFilter{ChainID: req.ChainID, Kind: kind, Signer: caller}
	switch req.Target {
	case TargetOrderHash:
		if req.OrderHash == nil {
			return nil, domain.Validationf("orderHash", "orderHash is required")
		}
		f.Hash = req.OrderHash
	case TargetLast, TargetAll:
		if req.Resource == nil {
			return nil, domain.Validationf("resource", "resource is required")
		}
		f.Resource = req.Resource
		f.LastOnly = req.Target == TargetLast
	default:
		return nil, domain.Validationf("target", "invalid target %q", req.Target)
	}
	hashes, err := s.Repo.Unpublish(ctx, f)
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if err := s.Events.Append(ctx, nil, events.OrderUnpublished, req.ChainID, kind.String(), h.Hex(), caller.Hex(), nil); err != nil {
			return nil, err
		}
	}
	return hashes, nil
}

// Get returns a published order.
func (s Service) Get(ctx context.Context, chainID uint64, kind domain.Kind, hash common.Hash) (domain.PublishedOrder, error) {
	o, err := s.Repo.GetBookOrder(ctx, chainID, kind, hash)
	if err != nil {
		return domain.PublishedOrder{}, err
	}
	return o.PublishedOrder, nil
}

// DealPage is one page of deals with the index of the next page, if any.
type DealPage struct {
	Deals    []domain.Deal `json:"deals"`
	Count    int           `json:"count"`
	NextPage *int          `json:"nextPage,omitempty"`
}

// Deals returns page (0-based) of the deals involving an order.
func (s Service) Deals(ctx context.Context, chainID uint64, kind domain.Kind, hash common.Hash, page int) (DealPage, error) {
	if page < 0 {
		return DealPage{}, domain.Validationf("page", "page must not be negative")
	}
	if _, err := s.Repo.GetBookOrder(ctx, chainID, kind, hash); err != nil {
		return DealPage{}, err
	}
	deals, total, err := s.Repo.ListDeals(ctx, chainID, kind, hash, page, PageSize)
	if err != nil {
		return DealPage{}, err
	}
	out := DealPage{Deals: deals, Count: total}
	if out.Deals == nil {
		out.Deals = []domain.Deal{}
	}
	if (page+1)*PageSize < total {
		next := page + 1
		out.NextPage = &next
	}
	return out, nil
}

// RecordDeal stores a settled deal and consumes the involved orders.
func (s Service) RecordDeal(ctx context.Context, chainID uint64, d domain.Deal) error {
	if d.DealID == (common.Hash{}) {
		return domain.Validationf("dealid", "dealid is required")
	}
	if d.Volume.IsZero() {
		return domain.Validationf("volume", "volume must be greater than 0")
	}
	if d.Timestamp == "" {
		d.Timestamp = s.now().UTC().Format(time.RFC3339)
	}
	if err := s.Repo.InsertDeal(ctx, repo.DealRecord{ChainID: chainID, Deal: d}); err != nil {
		return err
	}
	return s.Events.Append(ctx, nil, events.OrdersMatched, chainID, "", d.DealID.Hex(), "", events.EventPayload{
		"volume":  d.Volume.String(),
		"request": d.RequestHash.Hex(),
	})
}
