package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored is a failure report for an order that is already paid.
	OutcomeIgnored Outcome = "ignored"
)

type SettlementStore interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	GetByNumberForUpdate(ctx context.Context, tx pgx.Tx, number string) (*orders.Order, error)
	UpdateSettlementWithTx(ctx context.Context, tx pgx.Tx, o *orders.Order, prev orders.PaymentStatus) (bool, error)
	InsertPaymentWithTx(ctx context.Context, tx pgx.Tx, p orders.Payment) error
}

// Reconciler applies verified gateway callbacks to orders. Callbacks may be
// duplicated or reordered; each order row is locked while it is reconciled.
type Reconciler struct {
	Gateway Gateway
	Orders  SettlementStore
	Events  *orders.Emitter
	Log     *slog.Logger
	Now     func() time.Time

	// Redis, when set, gets the settled status right after commit.
	Redis *redis.Client
}

// HandleCallback returns an error only for callbacks the provider should not
// consider delivered: unverifiable payloads, unknown orders, storage failures.
func (r *Reconciler) HandleCallback(ctx context.Context, payload CallbackPayload) (Outcome, error) {
	log := logging.FromRequest(ctx, r.Log).With("gateway", r.Gateway.Name())

	res, err := r.Gateway.ResolveCallback(ctx, payload)
	if err != nil {
		log.Warn("callback rejected", "err", err)
		if apperr.KindOf(err) != apperr.KindUnrecognizedCallback {
			err = fmt.Errorf("%w: %v", ErrUnrecognizedCallback, err)
		}
		return "", err
	}
	log = log.With(logging.KeyOrderNumber, res.OrderNumber, "succeeded", res.Succeeded)

	tx, err := r.Orders.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return "", unavailable("begin reconcile", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := r.Orders.GetByNumberForUpdate(ctx, tx, res.OrderNumber)
	if errors.Is(err, orders.ErrOrderNotFound) {
		log.Error("callback for unknown order")
		return "", err
	}
	if err != nil {
		return "", unavailable("load order", err)
	}
	log = log.With(logging.KeyOrderID, o.ID)
	if err := belongsTo(o, res); err != nil {
		log.Warn("callback rejected", "err", err)
		return "", err
	}

	prev := o.PaymentStatus
	prevStatus := o.Status
	now := r.now()

	var outcome Outcome
	if res.Succeeded {
		outcome, err = r.settle(ctx, tx, o, res, now)
	} else {
		outcome, err = r.fail(ctx, tx, o, now)
	}
	if err != nil {
		return "", err
	}
	if outcome == OutcomeDuplicate || outcome == OutcomeIgnored {
		log.Info("callback acknowledged without change", "outcome", outcome, logging.KeyStatus, o.PaymentStatus)
		return outcome, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return "", unavailable("commit reconcile", err)
	}

	log.Info("payment reconciled", "outcome", outcome, "from", prev, "to", o.PaymentStatus, logging.KeyStatus, o.Status)
	r.cacheStatus(ctx, o, log)
	if outcome == OutcomePaid {
		if prevStatus == orders.StatusCancelled {
			log.Warn("payment completed for a cancelled order, refund needed", "transaction_id", res.TransactionID)
		}
		r.Events.PaymentCompleted(ctx, o)
	} else {
		r.Events.PaymentFailed(ctx, o)
	}
	return outcome, nil
}

// belongsTo checks the signed provider reference and amount against what was
// recorded when the payment was initiated.
func belongsTo(o *orders.Order, res CallbackResult) error {
	if o.GatewayOrderID == "" || o.GatewayOrderID != res.GatewayOrderID {
		return fmt.Errorf("%w: gateway order %q is not bound to order %s", ErrUnrecognizedCallback, res.GatewayOrderID, o.OrderNumber)
	}
	if total := orders.Cents(o.TotalPrice); res.AmountCents != total {
		return fmt.Errorf("%w: amount %d does not match order total %d", ErrUnrecognizedCallback, res.AmountCents, total)
	}
	return nil
}

func (r *Reconciler) settle(ctx context.Context, tx pgx.Tx, o *orders.Order, res CallbackResult, now time.Time) (Outcome, error) {
	prev := o.PaymentStatus
	if err := o.MarkPaid(res.TransactionID, now); err != nil {
		if errors.Is(err, orders.ErrNotPayable) {
			if o.TransactionID != nil && *o.TransactionID != res.TransactionID {
				logging.OrDiscard(r.Log).Warn("second successful payment for a settled order",
					logging.KeyOrderID, o.ID, "transaction_id", res.TransactionID, "settled_transaction_id", *o.TransactionID)
			}
			return OutcomeDuplicate, nil
		}
		return "", apperr.Wrap(apperr.KindInternal, "apply payment", err)
	}
	ok, err := r.Orders.UpdateSettlementWithTx(ctx, tx, o, prev)
	if err != nil {
		return "", unavailable("update order", err)
	}
	if !ok {
		return OutcomeDuplicate, nil
	}
	if err := r.Orders.InsertPaymentWithTx(ctx, tx, r.record(o, orders.PaymentCompleted, res.TransactionID, now)); err != nil {
		return "", unavailable("insert payment", err)
	}
	return OutcomePaid, nil
}

func (r *Reconciler) fail(ctx context.Context, tx pgx.Tx, o *orders.Order, now time.Time) (Outcome, error) {
	prev := o.PaymentStatus
	if err := o.MarkFailed(now); err != nil {
		if errors.Is(err, orders.ErrAlreadySettled) {
			return OutcomeIgnored, nil
		}
		return "", apperr.Wrap(apperr.KindInternal, "apply payment failure", err)
	}
	if prev == orders.PaymentFailed {
		return OutcomeDuplicate, nil
	}
	ok, err := r.Orders.UpdateSettlementWithTx(ctx, tx, o, prev)
	if err != nil {
		return "", unavailable("update order", err)
	}
	if !ok {
		return OutcomeIgnored, nil
	}
	if err := r.Orders.InsertPaymentWithTx(ctx, tx, r.record(o, orders.PaymentFailed, "", now)); err != nil {
		return "", unavailable("insert payment", err)
	}
	return OutcomeFailed, nil
}

func (r *Reconciler) cacheStatus(ctx context.Context, o *orders.Order, log *slog.Logger) {
	if r.Redis == nil {
		return
	}
	_, err := redisx.SetOrderStatusIfNewer(ctx, r.Redis, redisx.OrderStatus{
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		UpdatedAt:     o.UpdatedAt,
	})
	if err != nil {
		// the projector catches up from the payment event
		log.Warn("status cache write failed", "err", err)
	}
}

func (r *Reconciler) record(o *orders.Order, status orders.PaymentStatus, txnID string, now time.Time) orders.Payment {
	return orders.Payment{
		ID:            uuid.NewString(),
		OrderID:       o.ID,
		UserID:        o.UserID,
		Method:        r.Gateway.Name(),
		Status:        status,
		TransactionID: txnID,
		CreatedAt:     now,
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// unavailable marks storage failures as retryable so the provider redelivers.
func unavailable(step string, err error) error {
	return apperr.Wrap(apperr.KindUnavailable, "payment reconciliation unavailable", fmt.Errorf("%s: %w", step, err))
}
