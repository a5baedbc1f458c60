// Package orders persists order state for the durability writer.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclob/venue/order"
)

// DefaultTimeout bounds a single repository call.
const DefaultTimeout = 5 * time.Second

var (
	// ErrOrderNotFound is returned when an id has no stored row.
	ErrOrderNotFound = errors.New("order not found in store")

	errNilDB = errors.New("orders repository requires a database")
)

// Record is the stored shape of an order. Decimals are canonical
// strings so nothing is lost between drivers.
type Record struct {
	ID           int64     `db:"id"`
	Symbol       string    `db:"symbol"`
	UserID       int64     `db:"user_id"`
	Side         string    `db:"side"`
	Type         string    `db:"type"`
	Price        string    `db:"price"`
	Quantity     string    `db:"quantity"`
	FilledQty    string    `db:"filled_quantity"`
	Status       string    `db:"status"`
	CancelReason string    `db:"cancel_reason"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// FromOrder converts an engine order into its stored shape.
func FromOrder(o *order.Order) *Record {
	return &Record{
		ID:           o.ID,
		Symbol:       o.Symbol.String(),
		UserID:       o.UserID,
		Side:         o.Side.String(),
		Type:         o.Type.String(),
		Price:        o.Price.String(),
		Quantity:     o.Qty.String(),
		FilledQty:    o.FilledQty.String(),
		Status:       o.Status.String(),
		CancelReason: string(o.Reason),
		CreatedAt:    o.CreatedAt.UTC(),
		UpdatedAt:    o.UpdatedAt.UTC(),
	}
}

// Repository reads and writes order rows.
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

const upsertQuery = `INSERT INTO orders
	(id, symbol, user_id, side, type, price, quantity, filled_quantity, status, cancel_reason, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		filled_quantity = excluded.filled_quantity,
		status          = excluded.status,
		cancel_reason   = excluded.cancel_reason,
		updated_at      = excluded.updated_at`

// Upsert writes the batch in one transaction; later states of the same
// order overwrite earlier ones.
func (r *Repository) Upsert(ctx context.Context, batch []*order.Order) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("orders upsert begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	stmt, err := tx.PrepareContext(ctx, r.db.Rebind(upsertQuery))
	if err != nil {
		return fmt.Errorf("orders upsert prepare: %w", err)
	}
	defer stmt.Close()

	for _, o := range batch {
		rec := FromOrder(o)
		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.Symbol, rec.UserID, rec.Side, rec.Type,
			rec.Price, rec.Quantity, rec.FilledQty, rec.Status,
			rec.CancelReason, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("orders upsert id %d: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// ByID fetches one stored order.
func (r *Repository) ByID(ctx context.Context, id int64) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec Record
	query := r.db.Rebind(`SELECT * FROM orders WHERE id = ?`)
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// MaxOrderID returns the highest persisted order id across all
// symbols, or zero when none exist. The venue seeds its id sequence
// from this at boot so restarts never reuse ids.
func (r *Repository) MaxOrderID(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var max int64
	if err := r.db.GetContext(ctx, &max, `SELECT COALESCE(MAX(id), 0) FROM orders`); err != nil {
		return 0, fmt.Errorf("orders max id: %w", err)
	}
	return max, nil
}
