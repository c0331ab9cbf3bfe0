package orders

import (
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
)

var (
	ErrOrderNotFound   = apperr.New(apperr.KindOrderNotFound, "Order not found")
	ErrNotPayable      = apperr.New(apperr.KindNotPayable, "Order can not be paid")
	ErrNotCancellable  = apperr.New(apperr.KindNotCancellable, "Order can not be cancelled")
	ErrAlreadySettled  = apperr.New(apperr.KindConflict, "payment already settled")
	ErrInvalidState    = apperr.New(apperr.KindInternal, "invalid order state")
	ErrMissingTxnID    = apperr.New(apperr.KindValidation, "transaction id required")
	ErrConcurrentWrite = apperr.New(apperr.KindConflict, "order was modified concurrently, please retry")
)

func (o *Order) CanBeCancelled() bool {
	return o.Status == StatusPending || o.Status == StatusPaid
}

func (o *Order) CanBePaid() bool {
	return o.PaymentStatus == PaymentPending || o.PaymentStatus == PaymentFailed
}

// MarkPaid records a successful payment. A PENDING order becomes PAID; a
// CANCELLED order keeps its status and only the payment side moves.
func (o *Order) MarkPaid(txnID string, now time.Time) error {
	if !o.CanBePaid() {
		return ErrNotPayable
	}
	if txnID == "" {
		return ErrMissingTxnID
	}
	status := o.Status
	if CanTransition(status, StatusPaid) {
		status = StatusPaid
	}
	if !ValidState(status, PaymentCompleted) {
		return ErrInvalidState
	}
	paidAt := now.UTC()
	o.Status = status
	o.PaymentStatus = PaymentCompleted
	o.TransactionID = &txnID
	o.PaidAt = &paidAt
	o.UpdatedAt = paidAt
	return nil
}

// MarkFailed never downgrades a settled payment.
func (o *Order) MarkFailed(now time.Time) error {
	switch o.PaymentStatus {
	case PaymentFailed:
		return nil
	case PaymentPending:
	default:
		return ErrAlreadySettled
	}
	if !ValidState(o.Status, PaymentFailed) {
		return ErrInvalidState
	}
	o.PaymentStatus = PaymentFailed
	o.UpdatedAt = now.UTC()
	return nil
}

func (o *Order) Cancel(now time.Time) error {
	if !o.CanBeCancelled() {
		return ErrNotCancellable
	}
	if !ValidState(StatusCancelled, o.PaymentStatus) {
		return ErrInvalidState
	}
	o.Status = StatusCancelled
	o.UpdatedAt = now.UTC()
	return nil
}

// Complete marks a paid order as fulfilled.
func (o *Order) Complete(now time.Time) error {
	if !CanTransition(o.Status, StatusCompleted) || !ValidState(StatusCompleted, o.PaymentStatus) {
		return ErrInvalidState
	}
	o.Status = StatusCompleted
	o.UpdatedAt = now.UTC()
	return nil
}
