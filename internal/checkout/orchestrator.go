package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/cart"
	"github.com/ariefcatur/go-shop-checkout/internal/inventory"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrEmptyCart = apperr.New(apperr.KindEmptyCart, "Cart is empty")

const maxNumberAttempts = 5

type CartStore interface {
	Snapshot(ctx context.Context, userID string) (cart.Snapshot, error)
	ClearWithTx(ctx context.Context, tx pgx.Tx, userID string, productIDs []string) error
}

type OrderStore interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	CreateWithTx(ctx context.Context, tx pgx.Tx, o *orders.Order) error
}

type StockLedger interface {
	ReserveWithTx(ctx context.Context, tx pgx.Tx, productID string, qty int) error
}

// Orchestrator turns a cart into a PENDING order. Order rows, item snapshots,
// stock decrements and cart cleanup commit together or not at all.
// Pricing is applied as given; zero rates mean no tax and free shipping.
type Orchestrator struct {
	Carts   CartStore
	Orders  OrderStore
	Ledger  StockLedger
	Pricing Pricing
	Events  *orders.Emitter
	Log     *slog.Logger

	// LockTimeout bounds row-lock waits inside the checkout transaction. Zero keeps the server default.
	LockTimeout time.Duration
	Now         func() time.Time
	NewNumber   func(time.Time) (string, error)
}

func (o *Orchestrator) Checkout(ctx context.Context, req Request) (*orders.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logging.FromRequest(ctx, o.Log).With(logging.KeyUserID, req.UserID)

	// 1) snapshot cart
	snap, err := o.Carts.Snapshot(ctx, req.UserID)
	if err != nil {
		return nil, classify(err, "load cart")
	}
	if snap.IsEmpty() {
		return nil, ErrEmptyCart
	}

	// 2) pre-check stok, belum ada lock; decrement di tx tetap jadi penentu
	for _, ln := range snap.Lines {
		if !ln.InStock() {
			return nil, apperr.OutOfStock(ln.ProductName)
		}
	}

	// 3) pricing
	order, err := o.build(req, snap.Lines)
	if err != nil {
		return nil, classify(err, "build order")
	}

	// 4-5) satu transaksi
	if err := o.commit(ctx, order, snap.Lines); err != nil {
		log.Warn("checkout failed", logging.KeyStep, "commit", "kind", apperr.KindOf(err), "err", err)
		return nil, err
	}

	log.Info("order placed",
		logging.KeyOrderID, order.ID,
		logging.KeyOrderNumber, order.OrderNumber,
		"total", order.TotalPrice.StringFixed(2),
		"items", len(order.Items))
	o.Events.OrderPlaced(ctx, order)
	return order, nil
}

func (o *Orchestrator) build(req Request, lines []cart.Line) (*orders.Order, error) {
	now := o.now()
	number, err := o.newNumber(now)
	if err != nil {
		return nil, err
	}
	subs, totals := o.Pricing.Quote(lines)

	order := &orders.Order{
		ID:            uuid.NewString(),
		OrderNumber:   number,
		UserID:        req.UserID,
		Status:        orders.StatusPending,
		PaymentStatus: orders.PaymentPending,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		ShippingCost:  totals.Shipping,
		TotalPrice:    totals.Total,
		ShippingInfo:  req.Shipping,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         make([]orders.Item, 0, len(lines)),
	}
	for i, ln := range lines {
		order.Items = append(order.Items, orders.Item{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			ProductID:   ln.ProductID,
			ProductName: ln.ProductName,
			ProductSKU:  ln.SKU,
			Quantity:    ln.Quantity,
			UnitPrice:   ln.UnitPrice,
			Subtotal:    subs[i],
		})
	}
	return order, nil
}

func (o *Orchestrator) commit(ctx context.Context, order *orders.Order, lines []cart.Line) error {
	tx, err := o.Orders.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(err, "begin checkout")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if o.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", o.LockTimeout.Milliseconds())); err != nil {
			return classify(err, "set lock timeout")
		}
	}

	for attempt := 1; ; attempt++ {
		err = o.Orders.CreateWithTx(ctx, tx, order)
		if !errors.Is(err, orders.ErrDuplicateOrderNumber) || attempt == maxNumberAttempts {
			break
		}
		if order.OrderNumber, err = o.newNumber(order.CreatedAt); err != nil {
			break
		}
	}
	if err != nil {
		return classify(err, "create order")
	}

	for _, ln := range lines {
		if err := o.Ledger.ReserveWithTx(ctx, tx, ln.ProductID, ln.Quantity); err != nil {
			if errors.Is(err, inventory.ErrInsufficientStock) {
				return apperr.OutOfStock(ln.ProductName)
			}
			return classify(err, "reserve stock")
		}
	}

	ids := make([]string, len(lines))
	for i, ln := range lines {
		ids[i] = ln.ProductID
	}
	if err := o.Carts.ClearWithTx(ctx, tx, order.UserID, ids); err != nil {
		return classify(err, "clear cart")
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(err, "commit checkout")
	}
	return nil
}

// classify keeps typed errors, turns lock/serialization/deadline failures into
// a retryable error and hides everything else behind an internal one.
func classify(err error, step string) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if postgres.IsRetryable(err) {
		return apperr.Wrap(apperr.KindUnavailable, "checkout is busy, please retry", fmt.Errorf("%s: %w", step, err))
	}
	return apperr.Wrap(apperr.KindInternal, "failed to place order", fmt.Errorf("%s: %w", step, err))
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) newNumber(t time.Time) (string, error) {
	if o.NewNumber != nil {
		return o.NewNumber(t)
	}
	return orders.NewOrderNumber(t)
}
