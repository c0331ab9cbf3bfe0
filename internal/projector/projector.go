// Package projector keeps the Redis order-status cache in step with the
// order event stream, so status reads rarely touch Postgres.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	kafkax "github.com/ariefcatur/go-shop-checkout/internal/kafka"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

type Projector struct {
	Redis       *redis.Client
	ServiceName string
	Log         *slog.Logger
}

// Handle is installed as the consumer handler. It returns an error only when
// the message should be retried; malformed or unknown events are dropped.
func (p *Projector) Handle(ctx context.Context, m kafkago.Message) error {
	log := logging.OrDiscard(p.Log).With("topic", m.Topic, "offset", m.Offset)

	switch kafkax.HeaderValue(m, kafkax.HeaderEventType) {
	case "", orders.EventOrderPlaced, orders.EventPaymentCompleted, orders.EventPaymentFailed, orders.EventOrderCancelled:
	default:
		return nil
	}

	err := p.apply(ctx, m.Value, log)
	if errors.Is(err, kafkax.ErrMalformed) {
		log.Warn("dropping event", "err", err)
		return nil
	}
	return err
}

func (p *Projector) apply(ctx context.Context, value []byte, log *slog.Logger) error {
	env, err := kafkax.Decode[orders.Envelope](value)
	if err != nil {
		return err
	}
	switch env.EventType {
	case orders.EventOrderPlaced, orders.EventPaymentCompleted, orders.EventPaymentFailed, orders.EventOrderCancelled:
	default:
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, p.ServiceName, env.EventID)
	if seen, err := redisx.Exists(ctx, p.Redis, dkey); err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	} else if seen {
		return nil
	}

	sp, err := kafkax.Decode[orders.StatusPayload](env.Payload)
	if err != nil {
		return err
	}
	if sp.OrderID == "" || !orders.ValidState(sp.Status, sp.PaymentStatus) {
		return fmt.Errorf("%w: order %q in state %s/%s", kafkax.ErrMalformed, sp.OrderID, sp.Status, sp.PaymentStatus)
	}
	log = log.With(logging.KeyOrderID, sp.OrderID, "event_type", env.EventType)

	// a redelivered older event, or the API having cached a later state,
	// must not roll the entry back
	wrote, err := redisx.SetOrderStatusIfNewer(ctx, p.Redis, redisx.OrderStatus{
		OrderID:       sp.OrderID,
		UserID:        sp.UserID,
		Status:        string(sp.Status),
		PaymentStatus: string(sp.PaymentStatus),
		UpdatedAt:     env.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if wrote {
		log.Info("status projected", logging.KeyStatus, sp.Status, "payment_status", sp.PaymentStatus)
	} else {
		log.Debug("stale event skipped", "occurred_at", env.OccurredAt)
	}

	if err := p.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err(); err != nil {
		log.Warn("dedup mark failed", "err", err)
	}
	return nil
}
