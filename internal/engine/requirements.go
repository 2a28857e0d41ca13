package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
	"marketline/internal/ledger"
)

const skipCheckHint = " (If you consider this is not an issue, use --skip-request-check to skip request requirement check)"

// CheckRequest verifies that a request can actually run once matched: its
// resources exist, its callback is a contract and its params are usable.
func CheckRequest(ctx context.Context, l ledger.Ledger, req domain.RequestOrder) error {
	if err := checkRequest(ctx, l, req); err != nil {
		if k := domain.KindOf(err); k == domain.ConnectivityFailure || k == domain.ProtocolFailure {
			return err
		}
		return &domain.Error{
			Kind:      domain.ValidationFailure,
			OrderKind: domain.KindRequest,
			Msg:       "Request requirements check failed: " + err.Error() + skipCheckHint,
		}
	}
	return nil
}

func checkRequest(ctx context.Context, l ledger.Ledger, req domain.RequestOrder) error {
	if err := mustBeDeployed(ctx, l, domain.KindApp, req.App); err != nil {
		return err
	}
	if req.UsesDataset() {
		if err := mustBeDeployed(ctx, l, domain.KindDataset, req.Dataset); err != nil {
			return err
		}
	}
	if !domain.IsNull(req.Workerpool) {
		if err := mustBeDeployed(ctx, l, domain.KindWorkerpool, req.Workerpool); err != nil {
			return err
		}
	}
	if !domain.IsNull(req.Callback) {
		ok, err := l.IsContract(ctx, req.Callback)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("callback %s is not a contract", req.Callback.Hex())
		}
	}
	params, err := requestParams(req.Params)
	if err != nil {
		return err
	}
	if isTEE(req.Tag) {
		return checkTEEParams(params)
	}
	return nil
}

func mustBeDeployed(ctx context.Context, l ledger.Ledger, kind domain.Kind, addr common.Address) error {
	ok, err := l.IsDeployed(ctx, kind, addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no %s deployed at address %s", kind.Resource(), addr.Hex())
	}
	return nil
}

func requestParams(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil || params == nil {
		return nil, fmt.Errorf("params must be a JSON object")
	}
	return params, nil
}

func isTEE(tag domain.Tag) bool {
	return tag[31]&domain.TagTEE != 0
}

// checkTEEParams rejects results pushed unencrypted to a public storage.
func checkTEEParams(params map[string]any) error {
	provider, _ := params["iexec_result_storage_provider"].(string)
	if provider == "" {
		provider = "ipfs"
	}
	if provider != "ipfs" {
		return nil
	}
	if encrypted, _ := params["iexec_result_encryption"].(bool); !encrypted {
		return fmt.Errorf("tee tasks storing results on ipfs must set iexec_result_encryption to true")
	}
	return nil
}
