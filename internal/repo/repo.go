package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound matches every not-found error returned by the repo.
var ErrNotFound = domain.ErrNotFound

// SignedOrder is the latest order signed locally for a (chain, kind).
type SignedOrder struct {
	ChainID  uint64
	Kind     domain.Kind
	Hash     common.Hash
	Signer   common.Address
	Order    domain.Order
	SignedAt string
}

// SaveTemplate upserts the order draft written by init.
func (r Repo) SaveTemplate(ctx context.Context, chainID uint64, kind domain.Kind, draft any, now string) error {
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("marshal %s template: %w", kind, err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO order_templates(chain_id,kind,draft_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(chain_id,kind) DO UPDATE SET draft_json=excluded.draft_json, updated_at=excluded.updated_at`,
		chainID, kind.String(), string(payload), now)
	return err
}

// LoadTemplate decodes the stored draft of kind into out.
func (r Repo) LoadTemplate(ctx context.Context, chainID uint64, kind domain.Kind, out any) error {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT draft_json FROM order_templates WHERE chain_id=? AND kind=?`, chainID, kind.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("missing %s template for chain %d, run order init first", kind, chainID)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode %s template: %w", kind, err)
	}
	return nil
}

// SaveSignedOrder replaces the latest signed order of its kind on the chain.
func (r Repo) SaveSignedOrder(ctx context.Context, s SignedOrder) error {
	if s.Order == nil {
		return fmt.Errorf("signed order is nil")
	}
	payload, err := json.Marshal(s.Order)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO signed_orders(chain_id,kind,order_hash,signer,order_json,signed_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(chain_id,kind) DO UPDATE SET order_hash=excluded.order_hash, signer=excluded.signer, order_json=excluded.order_json, signed_at=excluded.signed_at`,
		s.ChainID, s.Order.Kind().String(), s.Hash.Hex(), lower(s.Signer), string(payload), s.SignedAt)
	return err
}

// LatestSignedOrder returns the last order of kind signed on chainID.
func (r Repo) LatestSignedOrder(ctx context.Context, chainID uint64, kind domain.Kind) (SignedOrder, error) {
	var hash, signer, payload, signedAt string
	err := r.DB.QueryRowContext(ctx, `SELECT order_hash,signer,order_json,signed_at FROM signed_orders WHERE chain_id=? AND kind=?`,
		chainID, kind.String()).Scan(&hash, &signer, &payload, &signedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SignedOrder{}, domain.NotFoundf("no signed %s found for chain %d", kind, chainID)
	}
	if err != nil {
		return SignedOrder{}, err
	}
	o, err := domain.DecodeOrder(kind, []byte(payload))
	if err != nil {
		return SignedOrder{}, fmt.Errorf("decode signed %s: %w", kind, err)
	}
	return SignedOrder{
		ChainID:  chainID,
		Kind:     kind,
		Hash:     common.HexToHash(hash),
		Signer:   common.HexToAddress(signer),
		Order:    o,
		SignedAt: signedAt,
	}, nil
}

func lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}
