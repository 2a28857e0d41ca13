package booksdk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
)

// DealPage is one page of deals involving an order.
type DealPage struct {
	Deals    []domain.Deal `json:"deals"`
	Count    int           `json:"count"`
	NextPage *int          `json:"nextPage,omitempty"`
}

// DealPages walks the deal pages of an order. The first page is fetched by
// FetchDeals, later ones on demand by Next. It cannot be restarted.
type DealPages struct {
	client  *Client
	kind    domain.Kind
	chainID uint64
	hash    common.Hash

	pending *DealPage
	next    *int
	page    DealPage
	err     error
}

// FetchDeals returns a cursor over the deals of the order with the given hash.
func (c *Client) FetchDeals(ctx context.Context, kind domain.Kind, chainID uint64, hash common.Hash) (*DealPages, error) {
	p := &DealPages{client: c, kind: kind, chainID: chainID, hash: hash}
	first, err := p.fetch(ctx, 0)
	if err != nil {
		return nil, err
	}
	p.pending = &first
	return p, nil
}

func (p *DealPages) fetch(ctx context.Context, page int) (DealPage, error) {
	var out DealPage
	endpoint := fmt.Sprintf("%s/%s/deals?chainId=%d&page=%d", orderPath(p.kind), p.hash.Hex(), p.chainID, page)
	err := p.client.do(ctx, http.MethodGet, endpoint, "", nil, &out)
	return out, err
}

// Next advances to the next page. It returns false when the pages are
// exhausted or a fetch failed; check Err.
func (p *DealPages) Next(ctx context.Context) bool {
	if p.err != nil {
		return false
	}
	if p.pending != nil {
		p.page, p.pending = *p.pending, nil
		p.next = p.page.NextPage
		return true
	}
	if p.next == nil {
		return false
	}
	page, err := p.fetch(ctx, *p.next)
	if err != nil {
		p.err = err
		return false
	}
	if page.NextPage != nil && *page.NextPage <= *p.next {
		p.err = domain.ProtocolErr(p.client.url(orderPath(p.kind)), fmt.Sprintf("nextPage %d does not advance", *page.NextPage), nil)
		return false
	}
	p.page, p.next = page, page.NextPage
	return true
}

// Page returns the current page.
func (p *DealPages) Page() DealPage { return p.page }

func (p *DealPages) Err() error { return p.err }

// All drains the cursor.
func (p *DealPages) All(ctx context.Context) ([]domain.Deal, error) {
	var deals []domain.Deal
	for p.Next(ctx) {
		deals = append(deals, p.Page().Deals...)
	}
	return deals, p.Err()
}
