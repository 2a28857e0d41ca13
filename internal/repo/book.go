package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"marketline/internal/domain"
)

// Book order statuses.
const (
	StatusOpen        = "open"
	StatusFilled      = "filled"
	StatusUnpublished = "unpublished"
)

// BookOrder is a row of the local order book.
type BookOrder struct {
	domain.PublishedOrder
	Resource common.Address
	Volume   domain.Uint256
}

// InsertBookOrder stores a newly published order. Publishing the same hash
// twice while it is open, or after it was filled, yields AlreadyExists. An
// unpublished order is reopened with the remaining volume it had.
func (r Repo) InsertBookOrder(ctx context.Context, o BookOrder) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var status, remaining string
	err = tx.QueryRowContext(ctx, `SELECT status, remaining FROM book_orders WHERE order_hash=?`, o.OrderHash.Hex()).Scan(&status, &remaining)
	switch {
	case err == nil && status == StatusOpen:
		return domain.AlreadyExistsf("%s %s already published", o.Kind, o.OrderHash.Hex())
	case err == nil && (status == StatusFilled || remaining == "0"):
		return domain.AlreadyExistsf("%s %s is already filled", o.Kind, o.OrderHash.Hex())
	case err == nil:
		_, err = tx.ExecContext(ctx, `UPDATE book_orders SET status=?, published_at=?, seq=(SELECT COALESCE(MAX(seq),0)+1 FROM book_orders) WHERE order_hash=?`,
			StatusOpen, o.PublicationTimestamp, o.OrderHash.Hex())
		if err != nil {
			return fmt.Errorf("reopen book order: %w", err)
		}
		return tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO book_orders(order_hash,chain_id,kind,resource,signer,order_json,volume,remaining,status,published_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM book_orders))`,
		o.OrderHash.Hex(), o.ChainID, o.Kind.String(), lower(o.Resource), lower(o.Signer), string(o.Order),
		o.Volume.String(), o.Remaining.String(), StatusOpen, o.PublicationTimestamp)
	if err != nil {
		return fmt.Errorf("insert book order: %w", err)
	}
	return tx.Commit()
}

func scanBookOrder(row interface{ Scan(...any) error }) (BookOrder, error) {
	var o BookOrder
	var hash, kind, resource, signer, payload, volume, remaining string
	if err := row.Scan(&hash, &o.ChainID, &kind, &resource, &signer, &payload, &volume, &remaining, &o.Status, &o.PublicationTimestamp); err != nil {
		return o, err
	}
	k, err := domain.ParseKind(kind)
	if err != nil {
		return o, err
	}
	o.OrderHash = common.HexToHash(hash)
	o.Kind = k
	o.Resource = common.HexToAddress(resource)
	o.Signer = common.HexToAddress(signer)
	o.Order = []byte(payload)
	if o.Volume, err = domain.ParseUint256(volume); err != nil {
		return o, err
	}
	if o.Remaining, err = domain.ParseUint256(remaining); err != nil {
		return o, err
	}
	return o, nil
}

const bookOrderColumns = `order_hash,chain_id,kind,resource,signer,order_json,volume,remaining,status,published_at`

// GetBookOrder fetches an order of kind by hash on chainID.
func (r Repo) GetBookOrder(ctx context.Context, chainID uint64, kind domain.Kind, hash common.Hash) (BookOrder, error) {
	o, err := scanBookOrder(r.DB.QueryRowContext(ctx, `SELECT `+bookOrderColumns+` FROM book_orders WHERE order_hash=? AND chain_id=? AND kind=?`,
		hash.Hex(), chainID, kind.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return o, domain.NotFoundf("%s not found", kind)
	}
	return o, err
}

// UnpublishFilter selects the caller's open orders to withdraw.
type UnpublishFilter struct {
	ChainID  uint64
	Kind     domain.Kind
	Signer   common.Address
	Hash     *common.Hash
	Resource *common.Address
	// LastOnly withdraws only the most recently published match.
	LastOnly bool
}

// Unpublish marks matching open orders unpublished and returns their hashes.
func (r Repo) Unpublish(ctx context.Context, f UnpublishFilter) ([]common.Hash, error) {
	clauses := []string{"chain_id=?", "kind=?", "signer=?", "status=?"}
	args := []any{f.ChainID, f.Kind.String(), lower(f.Signer), StatusOpen}
	if f.Hash != nil {
		clauses = append(clauses, "order_hash=?")
		args = append(args, f.Hash.Hex())
	}
	if f.Resource != nil {
		clauses = append(clauses, "resource=?")
		args = append(args, lower(*f.Resource))
	}
	query := `SELECT order_hash FROM book_orders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq DESC`
	if f.LastOnly {
		query += " LIMIT 1"
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var hashes []common.Hash
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, err
		}
		hashes = append(hashes, common.HexToHash(h))
	}
	rows.Close()
	if len(hashes) == 0 {
		return nil, domain.NotFoundf("no open %s to unpublish", f.Kind)
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx, `UPDATE book_orders SET status=? WHERE order_hash=?`, StatusUnpublished, h.Hex()); err != nil {
			return nil, err
		}
	}
	return hashes, tx.Commit()
}

// DealRecord is a deal row with the chain it settled on.
type DealRecord struct {
	ChainID uint64
	domain.Deal
}

// InsertDeal records a deal and consumes its volume from every referenced
// book order. Orders reaching zero remaining become filled.
func (r Repo) InsertDeal(ctx context.Context, d DealRecord) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO book_deals(deal_id,chain_id,app_hash,dataset_hash,workerpool_hash,request_hash,volume,tx_hash,created_at,seq)
VALUES (?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM book_deals))`,
		d.DealID.Hex(), d.ChainID, d.AppHash.Hex(), d.DatasetHash.Hex(), d.WorkerpoolHash.Hex(), d.RequestHash.Hex(),
		d.Volume.String(), d.TxHash.Hex(), d.Timestamp)
	if err != nil {
		return fmt.Errorf("insert deal: %w", err)
	}
	for _, h := range []common.Hash{d.AppHash, d.DatasetHash, d.WorkerpoolHash, d.RequestHash} {
		if h == (common.Hash{}) {
			continue
		}
		var remaining string
		err := tx.QueryRowContext(ctx, `SELECT remaining FROM book_orders WHERE order_hash=?`, h.Hex()).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		left, err := domain.ParseUint256(remaining)
		if err != nil {
			return err
		}
		next := left.Big()
		next.Sub(next, d.Volume.Big())
		if next.Sign() < 0 {
			return domain.Validationf("volume", "deal volume %s exceeds remaining %s of %s", d.Volume, left, h.Hex())
		}
		nextVal, _ := domain.Uint256FromBig(next)
		status := StatusOpen
		if nextVal.IsZero() {
			status = StatusFilled
		}
		if _, err := tx.ExecContext(ctx, `UPDATE book_orders SET remaining=?, status=CASE WHEN status=? THEN ? ELSE status END WHERE order_hash=?`,
			nextVal.String(), StatusOpen, status, h.Hex()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func dealColumn(kind domain.Kind) string {
	switch kind {
	case domain.KindApp:
		return "app_hash"
	case domain.KindDataset:
		return "dataset_hash"
	case domain.KindWorkerpool:
		return "workerpool_hash"
	default:
		return "request_hash"
	}
}

// ListDeals returns one page of deals involving hash and the total count.
func (r Repo) ListDeals(ctx context.Context, chainID uint64, kind domain.Kind, hash common.Hash, page, size int) ([]domain.Deal, int, error) {
	col := dealColumn(kind)
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM book_deals WHERE chain_id=? AND `+col+`=?`, chainID, hash.Hex()).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT deal_id,app_hash,dataset_hash,workerpool_hash,request_hash,volume,tx_hash,created_at
		FROM book_deals WHERE chain_id=? AND `+col+`=? ORDER BY seq LIMIT ? OFFSET ?`, chainID, hash.Hex(), size, page*size)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var deals []domain.Deal
	for rows.Next() {
		var dealID, app, dataset, pool, request, volume, txHash, created string
		if err := rows.Scan(&dealID, &app, &dataset, &pool, &request, &volume, &txHash, &created); err != nil {
			return nil, 0, err
		}
		v, err := domain.ParseUint256(volume)
		if err != nil {
			return nil, 0, err
		}
		deals = append(deals, domain.Deal{
			DealID:         common.HexToHash(dealID),
			AppHash:        common.HexToHash(app),
			DatasetHash:    common.HexToHash(dataset),
			WorkerpoolHash: common.HexToHash(pool),
			RequestHash:    common.HexToHash(request),
			Volume:         v,
			TxHash:         common.HexToHash(txHash),
			Timestamp:      created,
		})
	}
	return deals, total, rows.Err()
}

// Challenge is an issued authentication challenge.
type Challenge struct {
	Hash      common.Hash
	ChainID   uint64
	Address   common.Address
	Value     string
	ExpiresAt time.Time
}

func (r Repo) InsertChallenge(ctx context.Context, c Challenge) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO challenges(hash,chain_id,address,challenge,expires_at) VALUES (?,?,?,?,?)`,
		c.Hash.Hex(), c.ChainID, lower(c.Address), c.Value, c.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

// GetChallenge returns a challenge by typed-data hash.
func (r Repo) GetChallenge(ctx context.Context, hash common.Hash) (Challenge, error) {
	var (
		c               Challenge
		addr, expiresAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT chain_id,address,challenge,expires_at FROM challenges WHERE hash=?`, hash.Hex()).
		Scan(&c.ChainID, &addr, &c.Value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, domain.NotFoundf("unknown challenge")
	}
	if err != nil {
		return c, err
	}
	c.Hash = hash
	c.Address = common.HexToAddress(addr)
	if c.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return c, fmt.Errorf("parse challenge expiry: %w", err)
	}
	return c, nil
}

// PurgeChallenges deletes challenges that expired before now.
func (r Repo) PurgeChallenges(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at < ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
