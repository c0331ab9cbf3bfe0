package orders

import (
	"context"
	"encoding/json"
	"time"

	kafkax "github.com/ariefcatur/go-shop-checkout/internal/kafka"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	EventOrderPlaced      = "OrderPlaced"
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventOrderCancelled   = "OrderCancelled"
)

const eventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`                  // payload spesifik
}

// ---- Payload tipe per event ----

// StatusPayload is the part every payload shares; the projector only reads this.
type StatusPayload struct {
	OrderID       string        `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	UserID        string        `json:"user_id"`
	Status        Status        `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type OrderPlacedPayload struct {
	StatusPayload
	Items      []ItemQty `json:"items"`
	TotalCents int64     `json:"total_cents"`
}

type PaymentPayload struct {
	StatusPayload
	TransactionID string `json:"transaction_id,omitempty"`
	AmountCents   int64  `json:"amount_cents"`
}

type OrderCancelledPayload struct {
	StatusPayload
}

// Publisher is implemented by kafka.Producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Emitter turns committed order changes into envelopes. A nil Emitter is a no-op.
type Emitter struct {
	Publisher Publisher
	Producer  string
	Now       func() time.Time
}

func (e *Emitter) OrderPlaced(ctx context.Context, o *Order) {
	items := make([]ItemQty, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ItemQty{ProductID: it.ProductID, Qty: it.Quantity})
	}
	e.emit(ctx, TopicOrderPlaced, EventOrderPlaced, o.ID, OrderPlacedPayload{
		StatusPayload: statusOf(o),
		Items:         items,
		TotalCents:    Cents(o.TotalPrice),
	})
}

func (e *Emitter) PaymentCompleted(ctx context.Context, o *Order) {
	p := PaymentPayload{StatusPayload: statusOf(o), AmountCents: Cents(o.TotalPrice)}
	if o.TransactionID != nil {
		p.TransactionID = *o.TransactionID
	}
	e.emit(ctx, TopicPaymentCompleted, EventPaymentCompleted, o.ID, p)
}

func (e *Emitter) PaymentFailed(ctx context.Context, o *Order) {
	e.emit(ctx, TopicPaymentFailed, EventPaymentFailed, o.ID, PaymentPayload{StatusPayload: statusOf(o), AmountCents: Cents(o.TotalPrice)})
}

func (e *Emitter) OrderCancelled(ctx context.Context, o *Order) {
	e.emit(ctx, TopicOrderCancelled, EventOrderCancelled, o.ID, OrderCancelledPayload{StatusPayload: statusOf(o)})
}

func (e *Emitter) emit(ctx context.Context, topic, eventType, orderID string, payload any) {
	if e == nil || e.Publisher == nil {
		return
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    now().UTC(),
		Producer:      e.Producer,
		TraceID:       logging.RequestID(ctx),
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	e.Publisher.Publish(topic, PartitionKey(orderID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, eventVersion)...)
}

func statusOf(o *Order) StatusPayload {
	return StatusPayload{OrderID: o.ID, OrderNumber: o.OrderNumber, UserID: o.UserID, Status: o.Status, PaymentStatus: o.PaymentStatus}
}
