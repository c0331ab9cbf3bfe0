package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(m *metrics.Metrics, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(logging.OrDiscard(log)), middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// requestLogger is middleware.Logger on slog.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				logging.KeyStatus, ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				logging.KeyRequestID, logging.RequestID(r.Context()),
			)
		})
	}
}

// Routes mounts the handlers on r. User routes sit behind RequireUser; the
// payment callback does not.
func Routes(r chi.Router, c *CheckoutHandler, o *OrdersHandler, p *PaymentHandler, cart *CartHandler) {
	p.RegisterCallback(r)
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		c.Register(r)
		o.Register(r)
		p.Register(r)
		cart.Register(r)
	})
}
