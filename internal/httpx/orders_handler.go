package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type OrderStore interface {
	GetByID(ctx context.Context, id string) (*orders.Order, error)
	ListByUser(ctx context.Context, userID string) ([]orders.Order, error)
	ListPayments(ctx context.Context, orderID string) ([]orders.Payment, error)
	GetStatus(ctx context.Context, orderID, userID string) (orders.StatusView, error)
	Cancel(ctx context.Context, orderID, userID string) (*orders.Order, error)
}

type OrdersHandler struct {
	Orders OrderStore
	Events *orders.Emitter
	Redis  *redis.Client
	Log    *slog.Logger
}

type statusResp struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Cached        bool   `json:"cached"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.list)
	r.Get("/orders/{id}", h.get)
	r.Get("/orders/{id}/status", h.status)
	r.Post("/orders/{id}/cancel", h.cancel)
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	os, err := h.Orders.ListByUser(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if os == nil {
		os = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Order history retrieved successfully",
		"orders":  os,
		"status":  true,
	})
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.owned(r)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	payments, err := h.Orders.ListPayments(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if payments == nil {
		payments = []orders.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Order details retrieved successfully",
		"order":    o,
		"payments": payments,
		"status":   true,
	})
}

func (h *OrdersHandler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID, userID := chi.URLParam(r, "id"), UserID(ctx)
	log := logging.FromRequest(ctx, h.Log).With(logging.KeyOrderID, orderID)

	// 1) coba cache
	if h.Redis != nil {
		s, ok, err := redisx.GetOrderStatus(ctx, h.Redis, orderID)
		if err != nil {
			log.Warn("status cache read failed", "err", err)
		}
		if ok && s.UserID == userID {
			writeJSON(w, http.StatusOK, statusResp{OrderID: s.OrderID, Status: s.Status, PaymentStatus: s.PaymentStatus, Cached: true})
			return
		}
	}

	// 2) fallback DB
	v, err := h.Orders.GetStatus(ctx, orderID, userID)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	// a settlement may have refreshed the entry since the row was read
	if h.Redis != nil {
		_, err := redisx.SetOrderStatusIfNewer(ctx, h.Redis, redisx.OrderStatus{
			OrderID:       v.OrderID,
			UserID:        userID,
			Status:        string(v.Status),
			PaymentStatus: string(v.PaymentStatus),
			UpdatedAt:     v.UpdatedAt,
		})
		if err != nil {
			log.Warn("status cache write failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, statusResp{OrderID: v.OrderID, Status: string(v.Status), PaymentStatus: string(v.PaymentStatus)})
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"), UserID(ctx))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	logging.FromRequest(ctx, h.Log).Info("order cancelled", logging.KeyOrderID, o.ID, logging.KeyUserID, o.UserID)

	if h.Redis != nil {
		if _, err := redisx.SetOrderStatusIfNewer(ctx, h.Redis, cacheEntry(o)); err != nil {
			logging.FromRequest(ctx, h.Log).Warn("status cache write failed", logging.KeyOrderID, o.ID, "err", err)
		}
	}
	h.Events.OrderCancelled(ctx, o)
	writeJSON(w, http.StatusOK, map[string]any{"message": "Order cancelled successfully", "order": o, "status": true})
}

// owned hides other users' orders behind a not-found.
func (h *OrdersHandler) owned(r *http.Request) (*orders.Order, error) {
	o, err := h.Orders.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if o.UserID != UserID(r.Context()) {
		return nil, orders.ErrOrderNotFound
	}
	return o, nil
}
