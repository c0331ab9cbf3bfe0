package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool is satisfied by *pgxpool.Pool and by pgxmock in tests.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type Repo struct{ DB DBPool }

var (
	ErrDuplicateOrderNumber = errors.New("order number already taken")
	ErrNotOwner             = apperr.New(apperr.KindUnauthorized, "Unauthorized to access this order")
)

const orderColumns = `id, order_number, user_id, status, payment_status,
	subtotal_cents, tax_cents, shipping_cents, total_cents,
	shipping_name, shipping_address, shipping_city, shipping_state, shipping_zipcode, shipping_country, shipping_phone,
	payment_method, notes, transaction_id, paid_at, gateway_order_id, created_at, updated_at`

const itemColumns = `id, order_id, product_id, product_name, product_sku, quantity, unit_price_cents, subtotal_cents`

func (r *Repo) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return r.DB.BeginTx(ctx, opts)
}

// CreateWithTx inserts the order and its item snapshots inside tx.
// An order_number collision leaves tx usable and returns ErrDuplicateOrderNumber.
func (r *Repo) CreateWithTx(ctx context.Context, tx pgx.Tx, o *Order) error {
	ct, err := tx.Exec(ctx, `
		INSERT INTO orders (id, order_number, user_id, status, payment_status,
			subtotal_cents, tax_cents, shipping_cents, total_cents,
			shipping_name, shipping_address, shipping_city, shipping_state, shipping_zipcode, shipping_country, shipping_phone,
			payment_method, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (order_number) DO NOTHING`,
		o.ID, o.OrderNumber, o.UserID, string(o.Status), string(o.PaymentStatus),
		Cents(o.Subtotal), Cents(o.Tax), Cents(o.ShippingCost), Cents(o.TotalPrice),
		o.Name, o.Address, o.City, o.State, o.Zipcode, o.Country, o.Phone,
		o.PaymentMethod, o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrDuplicateOrderNumber
	}

	// insert items
	for _, it := range o.Items {
		_, err := tx.Exec(ctx, `
			INSERT INTO order_items (`+itemColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, o.ID, it.ProductID, it.ProductName, it.ProductSKU, it.Quantity, Cents(it.UnitPrice), Cents(it.Subtotal),
		)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", it.ProductID, err)
		}
	}
	return nil
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	items, err := r.itemsFor(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	return o, nil
}

// GetByNumberForUpdate locks the order row until tx ends. Items are not loaded.
func (r *Repo) GetByNumberForUpdate(ctx context.Context, tx pgx.Tx, number string) (*Order, error) {
	return scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=$1 FOR UPDATE`, number))
}

func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	items, err := r.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

type StatusView struct {
	OrderID       string
	Status        Status
	PaymentStatus PaymentStatus
	UpdatedAt     time.Time
}

func (r *Repo) GetStatus(ctx context.Context, orderID, userID string) (StatusView, error) {
	var (
		v              StatusView
		owner, s, pays string
	)
	err := r.DB.QueryRow(ctx, `SELECT user_id, status, payment_status, updated_at FROM orders WHERE id=$1`, orderID).
		Scan(&owner, &s, &pays, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != userID) {
		return v, ErrOrderNotFound
	}
	if err != nil {
		return v, fmt.Errorf("get order status: %w", err)
	}
	v.OrderID, v.Status, v.PaymentStatus = orderID, Status(s), PaymentStatus(pays)
	return v, nil
}

// UpdateSettlementWithTx persists a payment transition only if payment_status
// is still prev. ok=false means another writer got there first.
func (r *Repo) UpdateSettlementWithTx(ctx context.Context, tx pgx.Tx, o *Order, prev PaymentStatus) (bool, error) {
	ct, err := tx.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, transaction_id=$4, paid_at=$5, updated_at=$6
		WHERE id=$1 AND payment_status=$7`,
		o.ID, string(o.Status), string(o.PaymentStatus), o.TransactionID, o.PaidAt, o.UpdatedAt, string(prev),
	)
	if err != nil {
		return false, fmt.Errorf("update settlement: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// SetGatewayOrderID records the provider reference of a new payment attempt.
// It fails with ErrNotPayable once the order is settled or cancelled.
func (r *Repo) SetGatewayOrderID(ctx context.Context, orderID, gatewayOrderID string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET gateway_order_id=$2
		WHERE id=$1 AND status='PENDING' AND payment_status IN ('PENDING', 'FAILED')`,
		orderID, gatewayOrderID)
	if err != nil {
		return fmt.Errorf("set gateway order id: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return ErrNotPayable
	}
	return nil
}

// Cancel cancels an order owned by userID. Stock is not returned to inventory.
func (r *Repo) Cancel(ctx context.Context, orderID, userID string) (*Order, error) {
	o, err := r.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	prev := o.Status
	if err := o.Cancel(time.Now()); err != nil {
		return nil, err
	}
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1 AND status=$4`,
		o.ID, string(o.Status), o.UpdatedAt, string(prev))
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}
	if ct.RowsAffected() != 1 {
		return nil, ErrConcurrentWrite
	}
	return o, nil
}

func (r *Repo) InsertPaymentWithTx(ctx context.Context, tx pgx.Tx, p Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payments (id, order_id, user_id, payment_method, payment_status, transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.OrderID, p.UserID, p.Method, string(p.Status), p.TransactionID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *Repo) ListPayments(ctx context.Context, orderID string) ([]Payment, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, user_id, payment_method, payment_status, transaction_id, created_at
		FROM payments WHERE order_id=$1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var (
			p      Payment
			status string
		)
		if err := rows.Scan(&p.ID, &p.OrderID, &p.UserID, &p.Method, &status, &p.TransactionID, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Status = PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) itemsFor(ctx context.Context, orderIDs []string) (map[string][]Item, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, product_id`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Item, len(orderIDs))
	for rows.Next() {
		var (
			it              Item
			price, subtotal int64
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.ProductSKU, &it.Quantity, &price, &subtotal); err != nil {
			return nil, err
		}
		it.UnitPrice, it.Subtotal = FromCents(price), FromCents(subtotal)
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                     Order
		status, payStatus     string
		sub, tax, ship, total int64
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &status, &payStatus,
		&sub, &tax, &ship, &total,
		&o.Name, &o.Address, &o.City, &o.State, &o.Zipcode, &o.Country, &o.Phone,
		&o.PaymentMethod, &o.Notes, &o.TransactionID, &o.PaidAt, &o.GatewayOrderID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status, o.PaymentStatus = Status(status), PaymentStatus(payStatus)
	o.Subtotal, o.Tax, o.ShippingCost, o.TotalPrice = FromCents(sub), FromCents(tax), FromCents(ship), FromCents(total)
	return &o, nil
}
