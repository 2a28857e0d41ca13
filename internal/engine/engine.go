// Package engine drives the order lifecycle: draft, sign, publish,
// unpublish, cancel, show and fill. Bulk commands process each order kind
// independently and report per-kind successes and failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"marketline/internal/app"
	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/events"
	"marketline/internal/ledger"
	"marketline/internal/logging"
	"marketline/internal/metrics"
	"marketline/internal/repo"
	"marketline/internal/wallet"
	booksdk "marketline/sdk/go"
)

type Engine struct {
	Repo    repo.Repo
	Events  events.Writer
	Context *app.Context
	Domain  eip712.Domain
	Book    *booksdk.Client
	Ledger  ledger.Ledger
	// Signer may be nil for read-only commands.
	Signer wallet.Signer
	Log    zerolog.Logger
	Now    func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) chainID() uint64 { return e.Domain.ChainID }

func (e Engine) signer() (wallet.Signer, error) {
	if e.Signer == nil {
		return nil, domain.SigningErr("a wallet is required for this command", nil)
	}
	return e.Signer, nil
}

// Outcome summarizes a bulk result.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Partial   Outcome = "partial"
	Failed    Outcome = "failed"
)

// Failure is one kind that could not be processed.
type Failure struct {
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

func (f Failure) String() string { return f.Kind.String() + ": " + f.Message }

// Result of a bulk command. Success values depend on the command.
type Result struct {
	Success map[domain.Kind]any `json:"success"`
	Failed  []Failure           `json:"failed"`
}

func newResult() Result {
	return Result{Success: map[domain.Kind]any{}, Failed: []Failure{}}
}

func (r Result) Outcome() Outcome {
	switch {
	case len(r.Failed) == 0:
		return Succeeded
	case len(r.Success) == 0:
		return Failed
	default:
		return Partial
	}
}

// Err returns nil when every kind succeeded.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		msgs[i] = f.String()
	}
	return fmt.Errorf("%s: %s", r.Outcome(), strings.Join(msgs, "; "))
}

// bulk runs fn for every kind in order. A failing kind never stops the
// others.
func (e Engine) bulk(command string, kinds []domain.Kind, fn func(domain.Kind) (any, error)) Result {
	res := newResult()
	for _, kind := range kinds {
		v, err := fn(kind)
		if err != nil {
			res.Failed = append(res.Failed, Failure{Kind: kind, Message: err.Error(), Err: err})
			metrics.CommandResults.WithLabelValues(command, kind.String(), "failure").Inc()
			e.Log.Warn().Err(err).Str("command", command).Str("kind", kind.String()).Msg("order command failed")
			continue
		}
		res.Success[kind] = v
		metrics.CommandResults.WithLabelValues(command, kind.String(), "success").Inc()
	}
	return res
}

func (e Engine) journal(ctx context.Context, evt string, kind domain.Kind, hash common.Hash, payload events.EventPayload) {
	actor := ""
	if e.Signer != nil {
		actor = e.Signer.Address().Hex()
	}
	kindName := ""
	if kind.Valid() {
		kindName = kind.String()
	}
	if err := e.Events.Append(ctx, nil, evt, e.chainID(), kindName, hash.Hex(), actor, payload); err != nil {
		e.Log.Warn().Err(err).Str("event", evt).Msg("journal append failed")
	}
}

// Signed is the success value of Sign.
type Signed struct {
	Hash  common.Hash  `json:"orderHash"`
	Order domain.Order `json:"order"`
}

// Init writes default drafts to the template store.
func (e Engine) Init(ctx context.Context, kinds []domain.Kind) Result {
	return e.bulk("init", kinds, func(kind domain.Kind) (any, error) {
		draft, err := e.defaults(kind, true)
		if err != nil {
			return nil, err
		}
		if err := e.Repo.SaveTemplate(ctx, e.chainID(), kind, draft, e.now().UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
		e.journal(ctx, events.OrderInitialized, kind, common.Hash{}, nil)
		return draft, nil
	})
}

// SignOptions tune Sign.
type SignOptions struct {
	SkipRequestCheck bool
}

// Sign builds each order from its template, checks it, signs it and keeps
// it as the chain's latest signed order of its kind.
func (e Engine) Sign(ctx context.Context, kinds []domain.Kind, opts SignOptions) Result {
	return e.bulk("sign", kinds, func(kind domain.Kind) (any, error) {
		s, err := e.signer()
		if err != nil {
			return nil, err
		}
		o, err := e.build(ctx, kind)
		if err != nil {
			return nil, err
		}
		if subject, ok := domain.Subject(o); ok {
			deployed, err := e.Ledger.IsDeployed(ctx, kind, subject)
			if err != nil {
				return nil, err
			}
			if !deployed {
				return nil, domain.NotFoundf("no %s deployed at address %s", kind.Resource(), subject.Hex())
			}
		}
		if req, ok := o.(domain.RequestOrder); ok && !opts.SkipRequestCheck {
			if err := CheckRequest(ctx, e.Ledger, req); err != nil {
				return nil, err
			}
		}
		signed, hash, err := wallet.SignOrder(s, o, e.Domain)
		if err != nil {
			return nil, err
		}
		err = e.Repo.SaveSignedOrder(ctx, repo.SignedOrder{
			ChainID:  e.chainID(),
			Kind:     kind,
			Hash:     hash,
			Signer:   s.Address(),
			Order:    signed,
			SignedAt: e.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		e.journal(ctx, events.OrderSigned, kind, hash, nil)
		e.Log.Info().Object("order", logging.Order{Hash: hash.Hex(), Order: signed}).Msg("order signed")
		return Signed{Hash: hash, Order: signed}, nil
	})
}

// PublishOptions tune Publish.
type PublishOptions struct {
	SkipRequestCheck bool
}

// Published is the success value of Publish.
type Published struct {
	Hash common.Hash `json:"orderHash"`
}

// Publish sends the latest signed order of each kind to the book.
func (e Engine) Publish(ctx context.Context, kinds []domain.Kind, opts PublishOptions) Result {
	return e.bulk("publish", kinds, func(kind domain.Kind) (any, error) {
		s, err := e.signer()
		if err != nil {
			return nil, err
		}
		local, err := e.Repo.LatestSignedOrder(ctx, e.chainID(), kind)
		if err != nil {
			return nil, err
		}
		if req, ok := local.Order.(domain.RequestOrder); ok && !opts.SkipRequestCheck {
			if err := CheckRequest(ctx, e.Ledger, req); err != nil {
				return nil, err
			}
		}
		token, err := e.Book.Authenticate(ctx, e.chainID(), s.Address(), s)
		if err != nil {
			return nil, err
		}
		hash, err := e.Book.Publish(ctx, e.chainID(), local.Order, token)
		if err != nil {
			return nil, err
		}
		e.journal(ctx, events.OrderPublished, kind, hash, nil)
		return Published{Hash: hash}, nil
	})
}

// TargetMode selects which orders Unpublish and Show apply to.
type TargetMode string

const (
	// TargetLocal uses the latest locally signed order.
	TargetLocal TargetMode = ""
	TargetHash  TargetMode = "hash"
	TargetLast  TargetMode = "last"
	TargetAll   TargetMode = "all"
)

type Target struct {
	Mode TargetMode
	Hash common.Hash
}

// Unpublished is the success value of Unpublish.
type Unpublished struct {
	Hashes []common.Hash `json:"unpublished"`
}

// Unpublish withdraws orders from the book. Kinds missing from targets use
// the local signed order.
func (e Engine) Unpublish(ctx context.Context, kinds []domain.Kind, targets map[domain.Kind]Target) Result {
	return e.bulk("unpublish", kinds, func(kind domain.Kind) (any, error) {
		s, err := e.signer()
		if err != nil {
			return nil, err
		}
		var sel booksdk.Target
		switch t := targets[kind]; t.Mode {
		case TargetHash:
			sel = booksdk.ByHash(t.Hash)
		case TargetLocal:
			local, err := e.Repo.LatestSignedOrder(ctx, e.chainID(), kind)
			if err != nil {
				return nil, err
			}
			sel = booksdk.ByHash(local.Hash)
		case TargetLast, TargetAll:
			resource, err := e.resource(ctx, kind, s.Address())
			if err != nil {
				return nil, err
			}
			if t.Mode == TargetLast {
				sel = booksdk.Last(resource)
			} else {
				sel = booksdk.All(resource)
			}
		default:
			return nil, domain.Validationf("target", "unsupported target %q", t.Mode)
		}
		token, err := e.Book.Authenticate(ctx, e.chainID(), s.Address(), s)
		if err != nil {
			return nil, err
		}
		hashes, err := e.Book.Unpublish(ctx, e.chainID(), kind, sel, token)
		if err != nil {
			return nil, err
		}
		for _, h := range hashes {
			e.journal(ctx, events.OrderUnpublished, kind, h, nil)
		}
		return Unpublished{Hashes: hashes}, nil
	})
}

// resource is the address unpublish last/all filter on: the deployed
// resource for offers, falling back to the local order, and the wallet for
// requests.
func (e Engine) resource(ctx context.Context, kind domain.Kind, owner common.Address) (common.Address, error) {
	if kind == domain.KindRequest {
		return owner, nil
	}
	if addr, ok := e.Context.Deployed(kind); ok {
		return addr, nil
	}
	local, err := e.Repo.LatestSignedOrder(ctx, e.chainID(), kind)
	if err != nil {
		return common.Address{}, domain.NotFoundf("no %s deployed on chain %d", kind.Resource(), e.chainID())
	}
	addr, _ := domain.Subject(local.Order)
	return addr, nil
}

// Cancelled is the success value of Cancel.
type Cancelled struct {
	Hash   common.Hash `json:"orderHash"`
	TxHash common.Hash `json:"txHash"`
}

// Cancel invalidates the latest signed order of each kind on-chain.
func (e Engine) Cancel(ctx context.Context, kinds []domain.Kind) Result {
	return e.bulk("cancel", kinds, func(kind domain.Kind) (any, error) {
		local, err := e.Repo.LatestSignedOrder(ctx, e.chainID(), kind)
		if err != nil {
			return nil, err
		}
		tx, err := e.Ledger.CancelOrder(ctx, local.Order)
		if err != nil {
			return nil, err
		}
		e.journal(ctx, events.OrderCancelled, kind, local.Hash, events.EventPayload{"tx": tx.Hex()})
		return Cancelled{Hash: local.Hash, TxHash: tx}, nil
	})
}

// Shown is the success value of Show.
type Shown struct {
	Order domain.PublishedOrder `json:"order"`
	Deals []domain.Deal         `json:"deals,omitempty"`
}

// Show fetches orders from the book, with every deal when withDeals is set.
func (e Engine) Show(ctx context.Context, kinds []domain.Kind, targets map[domain.Kind]Target, withDeals bool) Result {
	return e.bulk("show", kinds, func(kind domain.Kind) (any, error) {
		hash := targets[kind].Hash
		switch targets[kind].Mode {
		case TargetHash:
		case TargetLocal:
			local, err := e.Repo.LatestSignedOrder(ctx, e.chainID(), kind)
			if err != nil {
				return nil, err
			}
			hash = local.Hash
		default:
			return nil, domain.Validationf("target", "show needs an order hash")
		}
		po, err := e.Book.FetchOrder(ctx, kind, e.chainID(), hash)
		if err != nil {
			return nil, err
		}
		out := Shown{Order: po}
		if withDeals {
			pages, err := e.Book.FetchDeals(ctx, kind, e.chainID(), hash)
			if err != nil {
				return nil, err
			}
			if out.Deals, err = pages.All(ctx); err != nil {
				return nil, err
			}
		}
		return out, nil
	})
}

// FillOptions pick the orders to match. Nil hashes fall back to the local
// signed orders. Params, when set, requests a request order signed on the
// fly from the offers' terms.
type FillOptions struct {
	App              *common.Hash
	Dataset          *common.Hash
	Workerpool       *common.Hash
	Request          *common.Hash
	Params           *string
	SkipRequestCheck bool
}

// Filled is the outcome of a successful Fill.
type Filled struct {
	DealID common.Hash    `json:"dealid"`
	Volume domain.Uint256 `json:"volume"`
	TxHash common.Hash    `json:"txHash"`
}

// Fill resolves one order of each kind, checks they match and submits them
// for settlement.
func (e Engine) Fill(ctx context.Context, opts FillOptions) (Filled, error) {
	appOrder, err := e.resolve(ctx, domain.KindApp, opts.App)
	if err != nil {
		return Filled{}, err
	}
	datasetOrder, err := e.resolve(ctx, domain.KindDataset, opts.Dataset)
	if err != nil {
		return Filled{}, err
	}
	poolOrder, err := e.resolve(ctx, domain.KindWorkerpool, opts.Workerpool)
	if err != nil {
		return Filled{}, err
	}
	var requestOrder domain.Order
	if opts.Params == nil {
		if requestOrder, err = e.resolve(ctx, domain.KindRequest, opts.Request); err != nil {
			return Filled{}, err
		}
	}

	var req domain.RequestOrder
	useDataset := datasetOrder != nil
	if requestOrder != nil {
		if req, err = asOrder[domain.RequestOrder](requestOrder); err != nil {
			return Filled{}, err
		}
		useDataset = req.UsesDataset()
	}
	switch {
	case appOrder == nil:
		return Filled{}, domain.Validationf("apporder", "missing apporder")
	case useDataset && datasetOrder == nil:
		return Filled{}, domain.Validationf("datasetorder", "missing datasetorder")
	case poolOrder == nil:
		return Filled{}, domain.Validationf("workerpoolorder", "missing workerpoolorder")
	}
	app, err := asOrder[domain.AppOrder](appOrder)
	if err != nil {
		return Filled{}, err
	}
	pool, err := asOrder[domain.WorkerpoolOrder](poolOrder)
	if err != nil {
		return Filled{}, err
	}
	var dataset *domain.DatasetOrder
	if useDataset {
		d, err := asOrder[domain.DatasetOrder](datasetOrder)
		if err != nil {
			return Filled{}, err
		}
		dataset = &d
	}

	if requestOrder == nil {
		switch {
		case opts.Params == nil:
			return Filled{}, domain.Validationf("requestorder", "missing requestorder")
		case opts.Request != nil:
			return Filled{}, domain.Validationf("params", "params cannot be combined with a requestorder hash")
		}
		if requestOrder, err = e.requestOnTheFly(app, dataset, pool, *opts.Params); err != nil {
			return Filled{}, err
		}
		if req, err = asOrder[domain.RequestOrder](requestOrder); err != nil {
			return Filled{}, err
		}
	}
	if !opts.SkipRequestCheck {
		if err := CheckRequest(ctx, e.Ledger, req); err != nil {
			return Filled{}, err
		}
	}

	set := ledger.OrderSet{App: app, Dataset: dataset, Workerpool: pool, Request: req}
	if err := e.precheck(ctx, set); err != nil {
		return Filled{}, err
	}
	deal, err := e.Ledger.MatchOrders(ctx, set)
	if err != nil {
		metrics.CommandResults.WithLabelValues("fill", domain.KindRequest.String(), "failure").Inc()
		return Filled{}, err
	}
	metrics.CommandResults.WithLabelValues("fill", domain.KindRequest.String(), "success").Inc()
	e.journal(ctx, events.OrdersMatched, domain.KindRequest, deal.RequestHash, events.EventPayload{
		"dealid": deal.DealID.Hex(),
		"volume": deal.Volume.String(),
		"tx":     deal.TxHash.Hex(),
	})
	e.Log.Info().Str("dealid", deal.DealID.Hex()).Str("volume", deal.Volume.String()).Msg("orders matched")
	return Filled{DealID: deal.DealID, Volume: deal.Volume, TxHash: deal.TxHash}, nil
}

// resolve returns the order published under hash, or the local signed order
// when hash is nil. A missing local order yields nil.
func (e Engine) resolve(ctx context.Context, kind domain.Kind, hash *common.Hash) (domain.Order, error) {
	if hash != nil {
		po, err := e.Book.FetchOrder(ctx, kind, e.chainID(), *hash)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.NotFoundf("%s %s is not published on the book", kind, hash.Hex())
			}
			return nil, err
		}
		o, err := po.Decode()
		if err != nil {
			return nil, domain.ProtocolErr(e.Book.BaseURL, fmt.Sprintf("malformed %s %s", kind, hash.Hex()), err)
		}
		got, err := eip712.HashOrder(o, e.Domain)
		if err != nil {
			return nil, err
		}
		if o.Kind() != kind || got != *hash {
			return nil, domain.ProtocolErr(e.Book.BaseURL, fmt.Sprintf("book returned an order hashing to %s for %s %s", got.Hex(), kind, hash.Hex()), nil)
		}
		return o, nil
	}
	local, err := e.Repo.LatestSignedOrder(ctx, e.chainID(), kind)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return local.Order, nil
}

func asOrder[T domain.Order](o domain.Order) (T, error) {
	v, ok := o.(T)
	if !ok {
		var want T
		return want, domain.ProtocolErr("", fmt.Sprintf("expected %s, got %s", want.Kind(), o.Kind()), nil)
	}
	return v, nil
}

// precheck runs the compatibility rules against the remaining volumes
// before anything is submitted.
func (e Engine) precheck(ctx context.Context, set ledger.OrderSet) error {
	rem, err := e.remaining(ctx, set)
	if err != nil {
		return err
	}
	_, err = checkMatch(set, rem)
	return err
}
