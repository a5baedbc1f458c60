// Package trades persists executions for the durability writer.
package trades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclob/venue/order"
)

// DefaultTimeout bounds a single repository call.
const DefaultTimeout = 5 * time.Second

var errNilDB = errors.New("trades repository requires a database")

// Record is the stored shape of an execution.
type Record struct {
	ID          int64     `db:"id"`
	Symbol      string    `db:"symbol"`
	Price       string    `db:"price"`
	Quantity    string    `db:"quantity"`
	BuyOrderID  int64     `db:"buy_order_id"`
	SellOrderID int64     `db:"sell_order_id"`
	BuyerID     int64     `db:"buyer_id"`
	SellerID    int64     `db:"seller_id"`
	TakerSide   string    `db:"taker_side"`
	ExecutedAt  time.Time `db:"executed_at"`
}

// FromTrade converts an engine execution into its stored shape.
func FromTrade(t *order.Trade) *Record {
	return &Record{
		ID:          t.ID,
		Symbol:      t.Symbol.String(),
		Price:       t.Price.String(),
		Quantity:    t.Qty.String(),
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		TakerSide:   t.TakerSide.String(),
		ExecutedAt:  t.ExecutedAt.UTC(),
	}
}

// Repository writes execution rows.
type Repository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New returns a repository bound to db.
func New(db *sqlx.DB) (*Repository, error) {
	if db == nil {
		return nil, errNilDB
	}
	return &Repository{db: db, timeout: DefaultTimeout}, nil
}

const insertQuery = `INSERT INTO trades
	(id, symbol, price, quantity, buy_order_id, sell_order_id, buyer_id, seller_id, taker_side, executed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`

// InsertBatch writes the batch in one transaction. Conflicting ids are
// skipped so a retried batch after a partial failure stays idempotent.
func (r *Repository) InsertBatch(ctx context.Context, batch []*order.Trade) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("trades insert begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(insertQuery))
	if err != nil {
		return fmt.Errorf("trades insert prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range batch {
		rec := FromTrade(t)
		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.Symbol, rec.Price, rec.Quantity,
			rec.BuyOrderID, rec.SellOrderID, rec.BuyerID, rec.SellerID,
			rec.TakerSide, rec.ExecutedAt)
		if err != nil {
			return fmt.Errorf("trades insert id %d: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// MaxTradeID returns the highest persisted trade id, or zero when none
// exist. The venue seeds its trade id sequence from this at boot;
// without it a restarted venue would reissue ids and the idempotent
// insert would silently skip the new rows.
func (r *Repository) MaxTradeID(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var max int64
	if err := r.db.GetContext(ctx, &max, `SELECT COALESCE(MAX(id), 0) FROM trades`); err != nil {
		return 0, fmt.Errorf("trades max id: %w", err)
	}
	return max, nil
}

// RecentBySymbol returns up to limit executions, newest first.
func (r *Repository) RecentBySymbol(ctx context.Context, symbol string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var recs []Record
	query := r.db.Rebind(`SELECT * FROM trades WHERE symbol = ? ORDER BY executed_at DESC, id DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &recs, query, symbol, limit); err != nil {
		return nil, fmt.Errorf("trades recent: %w", err)
	}
	return recs, nil
}
