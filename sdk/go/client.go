// Package booksdk is a client for the marketplace order book REST API.
package booksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"marketline/internal/domain"
)

// Client is a minimal order book HTTP API client. Authentication tokens
// are passed per call and never cached.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Log        zerolog.Logger
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
		Log:     zerolog.Nop(),
	}
}

// Unpublish targets understood by the book.
const (
	TargetOrderHash = "unpublish_orderHash"
	TargetLast      = "unpublish_last"
	TargetAll       = "unpublish_all"
)

// Target selects the orders to unpublish. Resource is the app, dataset or
// workerpool address for offers and the requester for requests.
type Target struct {
	Mode      string
	OrderHash common.Hash
	Resource  common.Address
}

func ByHash(h common.Hash) Target { return Target{Mode: TargetOrderHash, OrderHash: h} }

func Last(resource common.Address) Target { return Target{Mode: TargetLast, Resource: resource} }

func All(resource common.Address) Target { return Target{Mode: TargetAll, Resource: resource} }

type publishRequest struct {
	ChainID uint64       `json:"chainId"`
	Order   domain.Order `json:"order"`
}

type publishResponse struct {
	Published struct {
		OrderHash common.Hash `json:"orderHash"`
	} `json:"published"`
}

type unpublishRequest struct {
	ChainID   uint64          `json:"chainId"`
	Target    string          `json:"target"`
	OrderHash *common.Hash    `json:"orderHash,omitempty"`
	Resource  *common.Address `json:"resource,omitempty"`
}

type unpublishResponse struct {
	Unpublished []common.Hash `json:"unpublished"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Publish posts a signed order and returns the hash the book stored it under.
func (c *Client) Publish(ctx context.Context, chainID uint64, signed domain.Order, token string) (common.Hash, error) {
	if len(signed.Signature()) == 0 {
		return common.Hash{}, domain.Validationf("sign", "%s is not signed", signed.Kind())
	}
	var resp publishResponse
	endpoint := orderPath(signed.Kind())
	err := c.do(ctx, http.MethodPost, endpoint, token, publishRequest{ChainID: chainID, Order: signed}, &resp)
	if err != nil {
		return common.Hash{}, err
	}
	if resp.Published.OrderHash == (common.Hash{}) {
		return common.Hash{}, domain.ProtocolErr(c.url(endpoint), "response carries no orderHash", nil)
	}
	return resp.Published.OrderHash, nil
}

// Unpublish removes orders from the book and returns the affected hashes.
func (c *Client) Unpublish(ctx context.Context, chainID uint64, kind domain.Kind, target Target, token string) ([]common.Hash, error) {
	body := unpublishRequest{ChainID: chainID, Target: target.Mode}
	switch target.Mode {
	case TargetOrderHash:
		body.OrderHash = &target.OrderHash
	case TargetLast, TargetAll:
		body.Resource = &target.Resource
	default:
		return nil, domain.Validationf("target", "unsupported unpublish target %q", target.Mode)
	}
	var resp unpublishResponse
	if err := c.do(ctx, http.MethodPut, orderPath(kind), token, body, &resp); err != nil {
		return nil, err
	}
	return resp.Unpublished, nil
}

// FetchOrder returns a published order by hash. The response must carry
// the requested kind and hash.
func (c *Client) FetchOrder(ctx context.Context, kind domain.Kind, chainID uint64, hash common.Hash) (domain.PublishedOrder, error) {
	var resp domain.PublishedOrder
	endpoint := fmt.Sprintf("%s/%s?chainId=%d", orderPath(kind), hash.Hex(), chainID)
	if err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return domain.PublishedOrder{}, err
	}
	if resp.Kind == 0 {
		resp.Kind = kind
	}
	if resp.Kind != kind {
		return domain.PublishedOrder{}, domain.ProtocolErr(c.url(orderPath(kind)), fmt.Sprintf("expected %s, got %s", kind, resp.Kind), nil)
	}
	if resp.OrderHash != hash {
		return domain.PublishedOrder{}, domain.ProtocolErr(c.url(orderPath(kind)), fmt.Sprintf("asked for order %s, got %s", hash.Hex(), resp.OrderHash.Hex()), nil)
	}
	return resp, nil
}

func orderPath(kind domain.Kind) string {
	return kind.String() + "s"
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.url(endpoint)
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	c.Log.Debug().Str("method", method).Str("url", target).Msg("book request")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return domain.ConnectivityErr(c.url(strings.SplitN(endpoint, "?", 2)[0]), err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ConnectivityErr(target, err)
	}
	isJSON := jsonContent(resp.Header.Get("Content-Type"))
	if resp.StatusCode >= 300 {
		return statusError(target, resp.StatusCode, raw, isJSON)
	}
	if out == nil {
		return nil
	}
	if !isJSON {
		return domain.ProtocolErr(target, "the http response is not of JSON type", nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.ProtocolErr(target, "malformed JSON response", err)
	}
	return nil
}

func statusError(endpoint string, status int, raw []byte, isJSON bool) error {
	msg := ""
	if isJSON {
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil {
			msg = eb.Error
		}
	}
	switch status {
	case http.StatusNotFound:
		if msg == "" {
			msg = "not found"
		}
		return &domain.Error{Kind: domain.NotFound, Endpoint: endpoint, Status: status, Msg: msg}
	case http.StatusConflict:
		if msg == "" {
			msg = "already exists"
		}
		return &domain.Error{Kind: domain.AlreadyExists, Endpoint: endpoint, Status: status, Msg: msg}
	}
	if msg == "" {
		msg = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return domain.APIErr(endpoint, status, "API error: "+msg)
}

func jsonContent(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func (c *Client) url(endpoint string) string {
	return c.base() + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func query(values map[string]string) string {
	q := url.Values{}
	for k, v := range values {
		q.Set(k, v)
	}
	return q.Encode()
}
