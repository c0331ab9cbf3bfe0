package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/cart"
	"github.com/ariefcatur/go-shop-checkout/internal/checkout"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type CartStore interface {
	Snapshot(ctx context.Context, userID string) (cart.Snapshot, error)
	Upsert(ctx context.Context, userID, productID string, qty int) error
	Remove(ctx context.Context, userID, productID string) error
}

type CartHandler struct {
	Carts CartStore
	Log   *slog.Logger
}

type cartLine struct {
	cart.Line
	Subtotal decimal.Decimal `json:"subtotal"`
}

func (h *CartHandler) Register(r chi.Router) {
	r.Get("/cart", h.get)
	r.Put("/cart/items/{productID}", h.put)
	r.Delete("/cart/items/{productID}", h.remove)
}

func (h *CartHandler) get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Carts.Snapshot(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	lines := make([]cartLine, 0, len(snap.Lines))
	total := decimal.Zero
	for _, ln := range snap.Lines {
		sub := checkout.LineSubtotal(ln.UnitPrice, ln.Quantity)
		total = total.Add(sub)
		lines = append(lines, cartLine{Line: ln, Subtotal: sub})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Cart items retrieved successfully",
		"items":    lines,
		"subtotal": total.StringFixed(2),
		"status":   true,
	})
}

func (h *CartHandler) put(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	if body.Quantity < 1 {
		writeError(w, r, h.Log, apperr.Validation(map[string]string{"quantity": "must be at least 1"}))
		return
	}
	if err := h.Carts.Upsert(r.Context(), UserID(r.Context()), chi.URLParam(r, "productID"), body.Quantity); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeMessage(w, http.StatusOK, "Cart item updated successfully")
}

func (h *CartHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.Carts.Remove(r.Context(), UserID(r.Context()), chi.URLParam(r, "productID")); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeMessage(w, http.StatusOK, "Cart item deleted successfully")
}
