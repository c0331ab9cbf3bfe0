package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound = apperr.New(apperr.KindProductNotFound, "Product not found")
	ErrLineNotFound    = apperr.New(apperr.KindProductNotFound, "Product is not in the cart")
)

// Line is a cart line joined with the product's current name, price and stock.
type Line struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	UnitPrice   decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Quantity    int             `json:"quantity"`
}

type Snapshot struct {
	UserID     string    `json:"user_id"`
	Lines      []Line    `json:"lines"`
	CapturedAt time.Time `json:"captured_at"`
}

type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repo struct{ DB DBPool }

// Snapshot reads the user's cart. The read is not locked; checkout re-checks
// stock with the conditional decrement.
func (r *Repo) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	snap := Snapshot{UserID: userID, CapturedAt: time.Now().UTC()}
	rows, err := r.DB.Query(ctx, `
		SELECT c.product_id, p.name, p.sku, p.price_cents, p.stock, c.quantity
		FROM cart_items c
		JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1
		ORDER BY c.created_at, c.product_id`, userID)
	if err != nil {
		return snap, fmt.Errorf("cart snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ln    Line
			price int64
		)
		if err := rows.Scan(&ln.ProductID, &ln.ProductName, &ln.SKU, &price, &ln.Stock, &ln.Quantity); err != nil {
			return snap, fmt.Errorf("cart snapshot: %w", err)
		}
		ln.UnitPrice = orders.FromCents(price)
		snap.Lines = append(snap.Lines, ln)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("cart snapshot: %w", err)
	}
	return snap, nil
}

// ClearWithTx removes only the lines that were turned into order items, so a
// line added while checkout was running survives.
func (r *Repo) ClearWithTx(ctx context.Context, tx pgx.Tx, userID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND product_id = ANY($2)`, userID, productIDs); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// Upsert sets the quantity of a line, creating it if needed.
func (r *Repo) Upsert(ctx context.Context, userID, productID string, qty int) error {
	if qty < 1 {
		return apperr.Validation(map[string]string{"quantity": "must be at least 1"})
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()`,
		userID, productID, qty)
	if postgres.IsForeignKeyViolation(err) {
		return ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}
	return nil
}

func (r *Repo) Remove(ctx context.Context, userID, productID string) error {
	ct, err := r.DB.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`, userID, productID)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (l Line) InStock() bool { return l.Stock >= l.Quantity }

// IsEmpty is true for a nil or zero-line snapshot.
func (s Snapshot) IsEmpty() bool { return len(s.Lines) == 0 }
