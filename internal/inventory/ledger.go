// Package inventory owns product stock. Stock only moves through ReserveWithTx.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInsufficientStock = apperr.New(apperr.KindInsufficientStock, "insufficient stock")
	ErrProductNotFound   = apperr.New(apperr.KindProductNotFound, "Product not found")
)

// DBPool is satisfied by *pgxpool.Pool and by pgxmock in tests.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Ledger struct{ DB DBPool }

// ReserveWithTx decrements stock by qty inside the caller's transaction.
// The check and the decrement are one statement, so two transactions racing
// for the last unit serialize on the row lock and the loser sees zero rows.
func (l *Ledger) ReserveWithTx(ctx context.Context, tx pgx.Tx, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %s: invalid quantity %d", productID, qty)
	}
	ct, err := tx.Exec(ctx,
		`UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock >= $2`,
		productID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("reserve %s x%d: %w", productID, qty, ErrInsufficientStock)
	}
	return nil
}

func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	var stock int
	err := l.DB.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read stock %s: %w", productID, err)
	}
	return stock, nil
}
