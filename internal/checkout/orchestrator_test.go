package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/cart"
	"github.com/ariefcatur/go-shop-checkout/internal/inventory"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDB is an in-memory stand-in for the cart, order and product tables.
// Stock decrements apply immediately and are undone on rollback, which is what
// other transactions observe once the row lock is released.
type memDB struct {
	mu       sync.Mutex
	products map[string]cart.Line
	stock    map[string]int
	carts    map[string][]cart.Line
	orders   map[string]*orders.Order
	numbers  map[string]bool

	begins        int
	createErr     error
	afterSnapshot func()
}

func newMemDB() *memDB {
	return &memDB{
		products: map[string]cart.Line{
			"p-1": {ProductID: "p-1", ProductName: "Keyboard", SKU: "KB-1", UnitPrice: d("100.00")},
			"p-2": {ProductID: "p-2", ProductName: "Mouse", SKU: "MS-1", UnitPrice: d("50.00")},
		},
		stock:   map[string]int{"p-1": 10, "p-2": 5},
		carts:   map[string][]cart.Line{},
		orders:  map[string]*orders.Order{},
		numbers: map[string]bool{},
	}
}

func (db *memDB) addToCart(user, productID string, qty int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ln := db.products[productID]
	ln.Quantity = qty
	db.carts[user] = append(db.carts[user], ln)
}

func (db *memDB) Snapshot(_ context.Context, userID string) (cart.Snapshot, error) {
	db.mu.Lock()
	snap := cart.Snapshot{UserID: userID}
	for _, ln := range db.carts[userID] {
		ln.Stock = db.stock[ln.ProductID]
		snap.Lines = append(snap.Lines, ln)
	}
	hook := db.afterSnapshot
	db.mu.Unlock()
	if hook != nil {
		hook()
	}
	return snap, nil
}

func (db *memDB) ClearWithTx(_ context.Context, tx pgx.Tx, userID string, productIDs []string) error {
	mt := tx.(*memTx)
	mt.clearUser, mt.clearIDs = userID, productIDs
	return nil
}

func (db *memDB) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.begins++
	return &memTx{db: db, opts: opts, reserved: map[string]int{}}, nil
}

func (db *memDB) CreateWithTx(_ context.Context, tx pgx.Tx, o *orders.Order) error {
	if db.createErr != nil {
		return db.createErr
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.numbers[o.OrderNumber] {
		return orders.ErrDuplicateOrderNumber
	}
	mt := tx.(*memTx)
	mt.staged = append(mt.staged, o)
	return nil
}

func (db *memDB) ReserveWithTx(_ context.Context, tx pgx.Tx, productID string, qty int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stock[productID] < qty {
		return fmt.Errorf("reserve %s: %w", productID, inventory.ErrInsufficientStock)
	}
	db.stock[productID] -= qty
	tx.(*memTx).reserved[productID] += qty
	return nil
}

type memTx struct {
	pgx.Tx
	db        *memDB
	opts      pgx.TxOptions
	execs     []string
	staged    []*orders.Order
	reserved  map[string]int
	clearUser string
	clearIDs  []string

	committed, rolledBack bool
}

func (t *memTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, fmt.Sprint(sql, args))
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (t *memTx) Commit(context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, o := range t.staged {
		t.db.orders[o.ID] = o
		t.db.numbers[o.OrderNumber] = true
	}
	if t.clearUser != "" {
		drop := map[string]bool{}
		for _, id := range t.clearIDs {
			drop[id] = true
		}
		var keep []cart.Line
		for _, ln := range t.db.carts[t.clearUser] {
			if !drop[ln.ProductID] {
				keep = append(keep, ln)
			}
		}
		t.db.carts[t.clearUser] = keep
	}
	t.committed = true
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for id, qty := range t.reserved {
		t.db.stock[id] += qty
	}
	t.rolledBack = true
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (c *capturePublisher) Publish(topic string, _, _ []byte, _ ...kafkago.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
}

func shipping() orders.ShippingInfo {
	return orders.ShippingInfo{Name: "Jane Doe", Address: "1 Nile St", City: "Cairo", Zipcode: "11511", Country: "EG", Phone: "+201000000000"}
}

func asAppErr(err error) (*apperr.Error, bool) { return apperr.As(err) }

func newOrchestrator(db *memDB, pub *capturePublisher) *Orchestrator {
	return &Orchestrator{
		Carts:       db,
		Orders:      db,
		Ledger:      db,
		Pricing:     DefaultPricing(),
		Events:      &orders.Emitter{Publisher: pub, Producer: "test"},
		LockTimeout: 2 * time.Second,
		Now:         func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func TestCheckoutPlacesOrder(t *testing.T) {
	db := newMemDB()
	pub := &capturePublisher{}
	db.addToCart("u-1", "p-1", 2)
	db.addToCart("u-1", "p-2", 1)
	db.carts["u-2"] = []cart.Line{{ProductID: "p-2", Quantity: 1}}

	o, err := newOrchestrator(db, pub).Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})
	require.NoError(t, err)

	assert.Equal(t, "250.00", o.Subtotal.StringFixed(2))
	assert.Equal(t, "20.00", o.Tax.StringFixed(2))
	assert.Equal(t, "5.00", o.ShippingCost.StringFixed(2))
	assert.Equal(t, "275.00", o.TotalPrice.StringFixed(2))
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, orders.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "cod", o.PaymentMethod)
	assert.True(t, orders.ValidOrderNumber(o.OrderNumber), o.OrderNumber)
	assert.Equal(t, "ORD-2025-", o.OrderNumber[:9])
	require.Len(t, o.Items, 2)
	assert.Equal(t, "Keyboard", o.Items[0].ProductName)
	assert.Equal(t, "200.00", o.Items[0].Subtotal.StringFixed(2))

	assert.Equal(t, 8, db.stock["p-1"])
	assert.Equal(t, 4, db.stock["p-2"])
	assert.Empty(t, db.carts["u-1"])
	assert.Len(t, db.carts["u-2"], 1, "other carts untouched")
	assert.Contains(t, db.orders, o.ID)
	assert.Equal(t, []string{orders.TopicOrderPlaced}, pub.topics)
}

func TestCheckoutHonoursZeroRates(t *testing.T) {
	db := newMemDB()
	db.addToCart("u-1", "p-1", 2)

	orch := newOrchestrator(db, &capturePublisher{})
	orch.Pricing = Pricing{TaxRate: decimal.Zero, ShippingFee: decimal.Zero}

	o, err := orch.Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})
	require.NoError(t, err)
	assert.Equal(t, "0.00", o.Tax.StringFixed(2))
	assert.Equal(t, "0.00", o.ShippingCost.StringFixed(2))
	assert.True(t, o.TotalPrice.Equal(o.Subtotal), "total %s subtotal %s", o.TotalPrice, o.Subtotal)
}

func TestCheckoutTransactionSettings(t *testing.T) {
	db := newMemDB()
	db.addToCart("u-1", "p-1", 1)

	var tx *memTx
	orch := newOrchestrator(db, &capturePublisher{})
	orch.Orders = &spyOrders{memDB: db, onBegin: func(t *memTx) { tx = t }}

	_, err := orch.Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, pgx.ReadCommitted, tx.opts.IsoLevel)
	require.NotEmpty(t, tx.execs)
	assert.Contains(t, tx.execs[0], "lock_timeout")
	assert.Contains(t, tx.execs[0], "2000ms")
}

type spyOrders struct {
	*memDB
	onBegin func(*memTx)
}

func (s *spyOrders) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	tx, err := s.memDB.BeginTx(ctx, opts)
	if err == nil {
		s.onBegin(tx.(*memTx))
	}
	return tx, err
}

func TestCheckoutEmptyCart(t *testing.T) {
	db := newMemDB()

	_, err := newOrchestrator(db, &capturePublisher{}).Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})

	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, apperr.KindEmptyCart, apperr.KindOf(err))
	assert.Zero(t, db.begins)
	assert.Empty(t, db.orders)
}

func TestCheckoutOutOfStockBeforeTransaction(t *testing.T) {
	db := newMemDB()
	db.stock["p-2"] = 3
	db.addToCart("u-1", "p-1", 1)
	db.addToCart("u-1", "p-2", 5)
	pub := &capturePublisher{}

	_, err := newOrchestrator(db, pub).Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})

	require.Error(t, err)
	assert.Equal(t, apperr.KindOutOfStock, apperr.KindOf(err))
	assert.Equal(t, "Product Mouse out of stock", err.Error())
	assert.Zero(t, db.begins)
	assert.Equal(t, 10, db.stock["p-1"])
	assert.Equal(t, 3, db.stock["p-2"])
	assert.Len(t, db.carts["u-1"], 2)
	assert.Empty(t, pub.topics)
}

func TestCheckoutStockLostAfterSnapshotRollsBack(t *testing.T) {
	db := newMemDB()
	db.addToCart("u-1", "p-1", 2)
	db.addToCart("u-1", "p-2", 2)
	// another buyer takes the mice between snapshot and decrement
	db.afterSnapshot = func() {
		db.mu.Lock()
		db.stock["p-2"] = 1
		db.mu.Unlock()
	}

	_, err := newOrchestrator(db, &capturePublisher{}).Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})

	require.Error(t, err)
	assert.Equal(t, apperr.KindOutOfStock, apperr.KindOf(err))
	assert.Equal(t, "Product Mouse out of stock", err.Error())
	assert.Equal(t, 10, db.stock["p-1"], "keyboard decrement rolled back")
	assert.Equal(t, 1, db.stock["p-2"])
	assert.Empty(t, db.orders)
	assert.Len(t, db.carts["u-1"], 2)
}

func TestCheckoutRegeneratesCollidingOrderNumber(t *testing.T) {
	db := newMemDB()
	db.addToCart("u-1", "p-1", 1)
	db.numbers["ORD-2025-AAAAAA"] = true

	seq := []string{"ORD-2025-AAAAAA", "ORD-2025-AAAAAA", "ORD-2025-BBBBBB"}
	orch := newOrchestrator(db, &capturePublisher{})
	orch.NewNumber = func(time.Time) (string, error) {
		n := seq[0]
		seq = seq[1:]
		return n, nil
	}

	o, err := orch.Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})
	require.NoError(t, err)
	assert.Equal(t, "ORD-2025-BBBBBB", o.OrderNumber)
}

func TestCheckoutGivesUpAfterRepeatedCollisions(t *testing.T) {
	db := newMemDB()
	db.addToCart("u-1", "p-1", 1)
	db.numbers["ORD-2025-AAAAAA"] = true

	orch := newOrchestrator(db, &capturePublisher{})
	calls := 0
	orch.NewNumber = func(time.Time) (string, error) { calls++; return "ORD-2025-AAAAAA", nil }

	_, err := orch.Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Equal(t, maxNumberAttempts, calls)
	assert.Equal(t, 10, db.stock["p-1"])
}

func TestCheckoutRetryableErrors(t *testing.T) {
	tests := map[string]error{
		"lock timeout":          &pgconn.PgError{Code: "55P03"},
		"serialization failure": &pgconn.PgError{Code: "40001"},
		"deadline":              context.DeadlineExceeded,
	}
	for name, cause := range tests {
		t.Run(name, func(t *testing.T) {
			db := newMemDB()
			db.addToCart("u-1", "p-1", 1)
			db.createErr = fmt.Errorf("insert order: %w", cause)

			_, err := newOrchestrator(db, &capturePublisher{}).Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})

			assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
			assert.True(t, apperr.Retryable(err))
			assert.Len(t, db.carts["u-1"], 1)
		})
	}

	db := newMemDB()
	db.addToCart("u-1", "p-1", 1)
	db.createErr = errors.New("disk full")
	_, err := newOrchestrator(db, &capturePublisher{}).Checkout(context.Background(), Request{UserID: "u-1", Shipping: shipping()})
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}

func TestCheckoutRejectsInvalidRequestBeforeReadingCart(t *testing.T) {
	db := newMemDB()
	db.addToCart("u-1", "p-1", 1)
	sh := shipping()
	sh.Phone = ""

	_, err := newOrchestrator(db, &capturePublisher{}).Checkout(context.Background(), Request{UserID: "u-1", Shipping: sh})

	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, db.begins)
}

func TestConcurrentCheckoutForLastUnit(t *testing.T) {
	db := newMemDB()
	db.stock["p-1"] = 1
	db.addToCart("u-1", "p-1", 1)
	db.addToCart("u-2", "p-1", 1)
	orch := newOrchestrator(db, &capturePublisher{})

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, user := range []string{"u-1", "u-2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = orch.Checkout(context.Background(), Request{UserID: user, Shipping: shipping()})
		}(i, user)
	}
	wg.Wait()

	var ok, outOfStock int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.KindOf(err) == apperr.KindOutOfStock:
			outOfStock++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, outOfStock)
	assert.Equal(t, 0, db.stock["p-1"])
	assert.Len(t, db.orders, 1)
}
