package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/checkout"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/metrics"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const HeaderIdempotencyKey = "Idempotency-Key"

var errCheckoutInFlight = apperr.New(apperr.KindConflict, "A checkout with this Idempotency-Key is still in progress")

type Checkouter interface {
	Checkout(ctx context.Context, req checkout.Request) (*orders.Order, error)
}

type OrderGetter interface {
	GetByID(ctx context.Context, id string) (*orders.Order, error)
}

type CheckoutHandler struct {
	Checkout Checkouter
	Orders   OrderGetter
	// Redis is optional; without it Idempotency-Key is ignored and no status is cached.
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Timeout time.Duration
	Log     *slog.Logger
}

type checkoutBody struct {
	orders.ShippingInfo
	PaymentMethod string `json:"payment_method"`
	Notes         string `json:"notes"`
}

type checkoutResp struct {
	Message string        `json:"message"`
	Order   *orders.Order `json:"order"`
	Total   string        `json:"total"`
	Status  bool          `json:"status"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var body checkoutBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	userID := UserID(r.Context())
	log := logging.FromRequest(r.Context(), h.Log).With(logging.KeyUserID, userID)

	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	// 1) idempotency claim
	idemKey := ""
	if k := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); k != "" && h.Redis != nil {
		idemKey = fmt.Sprintf(redisx.KeyIdemCheckout, userID, k)
		existing, claimed, err := redisx.Claim(ctx, h.Redis, idemKey)
		switch {
		case err != nil:
			// Redis is a shortcut; Postgres stays the source of truth
			log.Warn("idempotency claim failed, continuing without it", "err", err)
			idemKey = ""
		case !claimed && existing == redisx.IdemPending:
			h.Metrics.ObserveCheckout("in_flight")
			writeError(w, r, h.Log, errCheckoutInFlight)
			return
		case !claimed:
			h.replay(w, r, existing)
			return
		}
	}

	// 2) checkout
	order, err := h.Checkout.Checkout(ctx, checkout.Request{
		UserID:        userID,
		Shipping:      body.ShippingInfo,
		PaymentMethod: body.PaymentMethod,
		Notes:         body.Notes,
	})
	if err != nil {
		if idemKey != "" {
			if rerr := redisx.Release(context.WithoutCancel(ctx), h.Redis, idemKey); rerr != nil {
				log.Warn("idempotency release failed", "err", rerr)
			}
		}
		h.Metrics.ObserveCheckout(string(apperr.KindOf(err)))
		writeError(w, r, h.Log, err)
		return
	}
	h.Metrics.ObserveCheckout("placed")

	// 3) shortcuts, best effort
	if idemKey != "" {
		if err := redisx.Complete(ctx, h.Redis, idemKey, order.ID); err != nil {
			log.Warn("idempotency complete failed", "err", err)
		}
	}
	if h.Redis != nil {
		if _, err := redisx.SetOrderStatusIfNewer(ctx, h.Redis, cacheEntry(order)); err != nil {
			log.Warn("status cache write failed", logging.KeyOrderID, order.ID, "err", err)
		}
	}

	writeJSON(w, http.StatusCreated, checkoutResp{
		Message: "Order placed successfully",
		Order:   order,
		Total:   order.TotalPrice.StringFixed(2),
		Status:  true,
	})
}

// replay answers a repeated Idempotency-Key with the order created the first time.
func (h *CheckoutHandler) replay(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.Orders.GetByID(r.Context(), orderID)
	if errors.Is(err, orders.ErrOrderNotFound) || (err == nil && order.UserID != UserID(r.Context())) {
		writeError(w, r, h.Log, apperr.New(apperr.KindConflict, "Idempotency-Key was already used"))
		return
	}
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	h.Metrics.ObserveCheckout("replayed")
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusOK, checkoutResp{
		Message: "Order placed successfully",
		Order:   order,
		Total:   order.TotalPrice.StringFixed(2),
		Status:  true,
	})
}

func cacheEntry(o *orders.Order) redisx.OrderStatus {
	return redisx.OrderStatus{
		OrderID:       o.ID,
		UserID:        o.UserID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		UpdatedAt:     o.UpdatedAt,
	}
}
