package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"message": msg, "status": code < 400})
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindEmptyCart, apperr.KindOutOfStock, apperr.KindInsufficientStock,
		apperr.KindNotPayable, apperr.KindNotCancellable, apperr.KindUnrecognizedCallback:
		return http.StatusBadRequest
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindOrderNotFound, apperr.KindProductNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindGatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code. Internal error text is logged, never returned.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	log = logging.FromRequest(r.Context(), log)

	ae, ok := apperr.As(err)
	switch {
	case kind == apperr.KindInternal || !ok:
		log.Error("request failed", "path", r.URL.Path, "err", err)
		writeMessage(w, code, "Something went wrong")
		return
	case code >= 500:
		log.Warn("request failed", "path", r.URL.Path, "kind", kind, "err", err)
		if kind == apperr.KindUnavailable {
			w.Header().Set("Retry-After", "1")
		}
	}
	if kind == apperr.KindValidation {
		writeJSON(w, code, map[string]any{"message": ae.Message, "errors": ae.Fields, "status": false})
		return
	}
	writeMessage(w, code, ae.Message)
}

// decodeJSON reads one JSON object. An empty body decodes to the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validation(map[string]string{"body": "must be a valid JSON object"})
}
