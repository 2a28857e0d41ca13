package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the order journal.
const (
	OrderInitialized = "order.initialized"
	OrderSigned      = "order.signed"
	OrderPublished   = "order.published"
	OrderUnpublished = "order.unpublished"
	OrderCancelled   = "order.cancelled"
	OrdersMatched    = "orders.matched"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ChainID   uint64         `json:"chain_id"`
	Kind      string         `json:"kind,omitempty"`
	OrderHash string         `json:"order_hash,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Append writes an event through ex, or the writer's DB when ex is nil.
func (w Writer) Append(ctx context.Context, ex Execer, evtType string, chainID uint64, kind, orderHash, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		ex = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,chain_id,kind,order_hash,actor,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, chainID, nullable(kind), nullable(orderHash), nullable(actor), string(data))
	return err
}

// List returns the most recent events, newest first. An empty orderHash
// lists every order.
func (w Writer) List(ctx context.Context, chainID uint64, orderHash string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,type,chain_id,COALESCE(kind,''),COALESCE(order_hash,''),COALESCE(actor,''),payload_json
		FROM events WHERE chain_id=? AND (?='' OR order_hash=?) ORDER BY id DESC LIMIT ?`, chainID, orderHash, orderHash, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ChainID, &e.Kind, &e.OrderHash, &e.Actor, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
