package engine

import (
	"context"
	"encoding/json"
	"strings"

	"marketline/internal/domain"
	"marketline/internal/eip712"
	"marketline/internal/ledger"
	"marketline/internal/match"
	"marketline/internal/order"
	"marketline/internal/wallet"
)

const (
	nullAddress = "0x0000000000000000000000000000000000000000"
	nullTag     = "0x0000000000000000000000000000000000000000000000000000000000000000"
)

// defaults returns the draft of kind with every field resolved from the
// chain and the wallet. strict makes a missing deployment an error, as init
// has nothing else to fall back on.
func (e Engine) defaults(kind domain.Kind, strict bool) (any, error) {
	subject := ""
	if addr, ok := e.Context.Deployed(kind); ok {
		subject = addr.Hex()
	} else if strict && kind != domain.KindRequest {
		return nil, domain.NotFoundf("no %s deployed on chain %d, deploy one first", kind.Resource(), e.chainID())
	}
	switch kind {
	case domain.KindApp:
		return order.AppDraft{
			App: subject, AppPrice: "0", Volume: "1000000", Tag: nullTag,
			DatasetRestrict: nullAddress, WorkerpoolRestrict: nullAddress, RequesterRestrict: nullAddress,
		}, nil
	case domain.KindDataset:
		return order.DatasetDraft{
			Dataset: subject, DatasetPrice: "0", Volume: "1000000", Tag: nullTag,
			AppRestrict: nullAddress, WorkerpoolRestrict: nullAddress, RequesterRestrict: nullAddress,
		}, nil
	case domain.KindWorkerpool:
		return order.WorkerpoolDraft{
			Workerpool: subject, WorkerpoolPrice: "0", Volume: "1", Tag: nullTag, Category: "0", Trust: "0",
			AppRestrict: nullAddress, DatasetRestrict: nullAddress, RequesterRestrict: nullAddress,
		}, nil
	case domain.KindRequest:
		s, err := e.signer()
		if err != nil {
			return nil, err
		}
		app := nullAddress
		if addr, ok := e.Context.Deployed(domain.KindApp); ok {
			app = addr.Hex()
		}
		return order.RequestDraft{
			App: app, AppMaxPrice: "0",
			Dataset: nullAddress,
			Workerpool: nullAddress, WorkerpoolMaxPrice: "0",
			Requester: s.Address().Hex(), Beneficiary: s.Address().Hex(),
			Volume: "1", Tag: nullTag, Category: "0", Trust: "0",
			Callback: nullAddress, Params: e.defaultParams(),
		}, nil
	default:
		return nil, domain.Validationf("kind", "invalid order kind %d", uint8(kind))
	}
}

func (e Engine) defaultParams() order.Params {
	params := map[string]any{"iexec_result_storage_provider": "ipfs"}
	if e.Context.Chain.ResultProxy != "" {
		params["iexec_result_storage_proxy"] = e.Context.Chain.ResultProxy
	}
	raw, _ := json.Marshal(params)
	return order.Params(raw)
}

// build merges the stored template of kind over its defaults.
func (e Engine) build(ctx context.Context, kind domain.Kind) (domain.Order, error) {
	defaults, err := e.defaults(kind, false)
	if err != nil {
		return nil, err
	}
	switch kind {
	case domain.KindApp:
		var draft order.AppDraft
		if err := e.Repo.LoadTemplate(ctx, e.chainID(), kind, &draft); err != nil {
			return nil, err
		}
		return order.NewAppOrder(draft, defaults.(order.AppDraft))
	case domain.KindDataset:
		var draft order.DatasetDraft
		if err := e.Repo.LoadTemplate(ctx, e.chainID(), kind, &draft); err != nil {
			return nil, err
		}
		return order.NewDatasetOrder(draft, defaults.(order.DatasetDraft))
	case domain.KindWorkerpool:
		var draft order.WorkerpoolDraft
		if err := e.Repo.LoadTemplate(ctx, e.chainID(), kind, &draft); err != nil {
			return nil, err
		}
		return order.NewWorkerpoolOrder(draft, defaults.(order.WorkerpoolDraft))
	default:
		var draft order.RequestDraft
		if err := e.Repo.LoadTemplate(ctx, e.chainID(), kind, &draft); err != nil {
			return nil, err
		}
		return order.NewRequestOrder(draft, defaults.(order.RequestDraft))
	}
}

// requestOnTheFly signs a request accepting exactly the offers' terms.
func (e Engine) requestOnTheFly(app domain.AppOrder, dataset *domain.DatasetOrder, pool domain.WorkerpoolOrder, params string) (domain.Order, error) {
	s, err := e.signer()
	if err != nil {
		return nil, err
	}
	p := order.Params(params)
	if strings.TrimSpace(params) == "" {
		p = e.defaultParams()
	}
	draft := order.RequestDraft{
		App:                app.App.Hex(),
		AppMaxPrice:        order.Num(app.AppPrice.String()),
		Workerpool:         pool.Workerpool.Hex(),
		WorkerpoolMaxPrice: order.Num(pool.WorkerpoolPrice.String()),
		Requester:          s.Address().Hex(),
		Category:           order.Num(pool.Category.String()),
		Params:             p,
	}
	if dataset != nil {
		draft.Dataset = dataset.Dataset.Hex()
		draft.DatasetMaxPrice = order.Num(dataset.DatasetPrice.String())
	}
	req, err := order.NewRequestOrder(draft, order.RequestDraft{})
	if err != nil {
		return nil, err
	}
	signed, hash, err := wallet.SignOrder(s, req, e.Domain)
	if err != nil {
		return nil, err
	}
	e.Log.Debug().Str("hash", hash.Hex()).Msg("request signed on the fly")
	return signed, nil
}

func (e Engine) remaining(ctx context.Context, set ledger.OrderSet) (match.Remaining, error) {
	orders := []domain.Order{set.App, set.Workerpool, set.Request}
	if set.Dataset != nil {
		orders = append(orders, *set.Dataset)
	}
	left := make([]*domain.Uint256, len(orders))
	for i, o := range orders {
		hash, err := eip712.HashOrder(o, e.Domain)
		if err != nil {
			return match.Remaining{}, err
		}
		consumed, err := e.Ledger.Consumed(ctx, hash)
		if err != nil {
			return match.Remaining{}, err
		}
		r := ledger.Remaining(o.OrderVolume(), consumed)
		left[i] = &r
	}
	rem := match.Remaining{App: left[0], Workerpool: left[1], Request: left[2]}
	if set.Dataset != nil {
		rem.Dataset = left[3]
	}
	return rem, nil
}

func checkMatch(set ledger.OrderSet, rem match.Remaining) (match.Plan, error) {
	return match.CheckMatch(set.App, set.Dataset, set.Workerpool, set.Request, rem)
}
