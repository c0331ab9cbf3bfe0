package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/metrics"
	"github.com/ariefcatur/go-shop-checkout/internal/payment"
	"github.com/go-chi/chi/v5"
)

type PaymentInitiator interface {
	Initiate(ctx context.Context, userID, orderID string, in payment.InitiateInput) (payment.InitiateResult, error)
}

type CallbackReconciler interface {
	HandleCallback(ctx context.Context, payload payment.CallbackPayload) (payment.Outcome, error)
}

type PaymentHandler struct {
	Payments   PaymentInitiator
	Reconciler CallbackReconciler
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Register mounts the authenticated routes.
func (h *PaymentHandler) Register(r chi.Router) {
	r.Post("/payments/{orderID}/process", h.process)
}

// RegisterCallback mounts the provider callback, which carries no user.
func (h *PaymentHandler) RegisterCallback(r chi.Router) {
	r.Get("/payments/callback", h.callback)
	r.Post("/payments/callback", h.callback)
}

func (h *PaymentHandler) process(w http.ResponseWriter, r *http.Request) {
	var in payment.InitiateInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	res, err := h.Payments.Initiate(r.Context(), UserID(r.Context()), chi.URLParam(r, "orderID"), in)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *PaymentHandler) callback(w http.ResponseWriter, r *http.Request) {
	payload, err := callbackPayload(r)
	if err != nil {
		h.Metrics.ObserveCallback("rejected")
		writeError(w, r, h.Log, err)
		return
	}
	outcome, err := h.Reconciler.HandleCallback(r.Context(), payload)
	if err != nil {
		h.Metrics.ObserveCallback("rejected")
		writeError(w, r, h.Log, err)
		return
	}
	h.Metrics.ObserveCallback(string(outcome))

	msg := "Payment Success"
	if outcome == payment.OutcomeFailed {
		msg = "Payment Failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "outcome": outcome, "status": true})
}

// callbackPayload merges the query string with a JSON or form body. Paymob
// posts the transaction under "obj" and sends the hmac in the query.
func callbackPayload(r *http.Request) (payment.CallbackPayload, error) {
	p := payment.CallbackPayload{}
	bad := func(err error) error {
		return apperr.Wrap(apperr.KindUnrecognizedCallback, payment.ErrUnrecognizedCallback.Message, err)
	}

	if r.Method == http.MethodPost && r.ContentLength != 0 {
		ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch ct {
		case "application/x-www-form-urlencoded":
			if err := r.ParseForm(); err != nil {
				return nil, bad(err)
			}
			for k, vs := range r.PostForm {
				if len(vs) > 0 {
					p[k] = vs[0]
				}
			}
		default:
			var body map[string]any
			dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
			dec.UseNumber()
			if err := dec.Decode(&body); err != nil {
				return nil, bad(err)
			}
			if obj, ok := body["obj"].(map[string]any); ok {
				p.Flatten("", obj)
			} else {
				p.Flatten("", body)
			}
		}
	}

	for k, vs := range r.URL.Query() {
		if _, set := p[k]; !set && len(vs) > 0 {
			p[k] = vs[0]
		}
	}
	if len(p) == 0 {
		return nil, payment.ErrUnrecognizedCallback
	}
	return p, nil
}
