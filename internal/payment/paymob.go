package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/config"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

const paymobName = "paymob"

// hmacFields is Paymob's transaction-callback concatenation order. Each entry
// lists the POST (flattened JSON) key first, then the GET query key.
var hmacFields = [][]string{
	{"amount_cents"},
	{"created_at"},
	{"currency"},
	{"error_occured"},
	{"has_parent_transaction"},
	{"id"},
	{"integration_id"},
	{"is_3d_secure"},
	{"is_auth"},
	{"is_capture"},
	{"is_refunded"},
	{"is_standalone_payment"},
	{"is_voided"},
	{"order.id", "order"},
	{"owner"},
	{"pending"},
	{"source_data.pan"},
	{"source_data.sub_type"},
	{"source_data.type"},
	{"success"},
}

// Paymob talks to the Paymob Accept API. Auth tokens are cached in Redis
// when a client is given; outbound calls go through a circuit breaker.
type Paymob struct {
	cfg     config.Paymob
	http    *http.Client
	rdb     *redis.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     *slog.Logger
}

func NewPaymob(cfg config.Paymob, hc *http.Client, rdb *redis.Client, log *slog.Logger) *Paymob {
	log = logging.OrDiscard(log).With("gateway", paymobName)
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.HMACSecret == "" {
		log.Warn("PAYMOB_HMAC_SECRET is empty, every callback will be rejected")
	}
	p := &Paymob{cfg: cfg, http: hc, rdb: rdb, log: log}
	p.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        paymobName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		// 4xx and caller cancellations say nothing about provider health.
		IsSuccessful: func(err error) bool {
			var re *rejectedError
			return err == nil || errors.As(err, &re) || errors.Is(err, context.Canceled)
		},
	})
	return p
}

func (p *Paymob) Name() string { return paymobName }

type paymobShipping struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

type paymobOrderRequest struct {
	AmountCents     int64          `json:"amount_cents"`
	Currency        string         `json:"currency"`
	DeliveryNeeded  bool           `json:"delivery_needed"`
	ShippingData    paymobShipping `json:"shipping_data"`
	Items           []LineItem     `json:"items"`
	MerchantOrderID string         `json:"merchant_order_id"`
	APISource       string         `json:"api_source"`
	Integrations    []int          `json:"integrations"`
}

type paymobOrderResponse struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// Initiate registers the order with Paymob as an invoice and returns its payment URL.
func (p *Paymob) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	if req.Order == nil {
		return InitiateResult{}, errors.New("paymob: order is required")
	}
	currency := req.Currency
	if currency == "" {
		currency = p.cfg.Currency
	}
	body := paymobOrderRequest{
		AmountCents:     req.AmountCents,
		Currency:        currency,
		DeliveryNeeded:  req.DeliveryNeeded,
		ShippingData:    paymobShipping(req.Payer),
		Items:           req.Items,
		MerchantOrderID: req.Order.OrderNumber,
		APISource:       "INVOICE",
		Integrations:    p.cfg.Integrations,
	}
	if body.Items == nil {
		body.Items = []LineItem{}
	}
	if body.Integrations == nil {
		body.Integrations = []int{}
	}

	var out paymobOrderResponse
	err := p.withToken(ctx, func(token string) error {
		return p.call(ctx, "/api/ecommerce/orders", token, body, &out)
	})
	if err != nil {
		return InitiateResult{}, err
	}
	if out.URL == "" || out.ID == 0 {
		return InitiateResult{}, fmt.Errorf("%w: paymob returned no order id or payment url", ErrGatewayUnavailable)
	}
	p.log.Info("payment initiated", logging.KeyOrderNumber, req.Order.OrderNumber, "paymob_order_id", out.ID)
	return InitiateResult{Success: true, RedirectURL: out.URL, GatewayOrderID: strconv.FormatInt(out.ID, 10)}, nil
}

// ResolveCallback verifies the HMAC and extracts the order reference.
// merchant_order_id is outside Paymob's signature; the signed order id and
// amount are returned so the caller can check them against the stored order.
func (p *Paymob) ResolveCallback(_ context.Context, payload CallbackPayload) (CallbackResult, error) {
	if p.cfg.HMACSecret == "" {
		return CallbackResult{}, fmt.Errorf("%w: hmac secret not configured", ErrUnrecognizedCallback)
	}
	got := strings.ToLower(payload["hmac"])
	if got == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing hmac", ErrUnrecognizedCallback)
	}
	want := SignCallback(p.cfg.HMACSecret, payload)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return CallbackResult{}, fmt.Errorf("%w: hmac mismatch", ErrUnrecognizedCallback)
	}

	number := payload.First("merchant_order_id", "order.merchant_order_id")
	if number == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing merchant_order_id", ErrUnrecognizedCallback)
	}
	gatewayOrderID := payload.First("order.id", "order")
	if gatewayOrderID == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing paymob order id", ErrUnrecognizedCallback)
	}
	amount, err := strconv.ParseInt(payload["amount_cents"], 10, 64)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("%w: bad amount_cents %q", ErrUnrecognizedCallback, payload["amount_cents"])
	}
	success, ok := payload["success"]
	if !ok {
		return CallbackResult{}, fmt.Errorf("%w: missing success flag", ErrUnrecognizedCallback)
	}
	res := CallbackResult{
		OrderNumber:    number,
		GatewayOrderID: gatewayOrderID,
		AmountCents:    amount,
		Succeeded:      success == "true",
		TransactionID:  payload["id"],
	}
	if res.Succeeded && res.TransactionID == "" {
		return CallbackResult{}, fmt.Errorf("%w: missing transaction id", ErrUnrecognizedCallback)
	}
	return res, nil
}

// SignCallback computes Paymob's callback HMAC (hex, lowercase) for payload.
func SignCallback(secret string, payload CallbackPayload) string {
	mac := hmac.New(sha512.New, []byte(secret))
	for _, keys := range hmacFields {
		mac.Write([]byte(payload.First(keys...)))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// withToken runs fn with a cached token and retries once with a fresh one on 401.
func (p *Paymob) withToken(ctx context.Context, fn func(token string) error) error {
	token, cached, err := p.token(ctx, false)
	if err != nil {
		return err
	}
	err = fn(token)
	var re *rejectedError
	if cached && errors.As(err, &re) && re.status == http.StatusUnauthorized {
		if token, _, err = p.token(ctx, true); err != nil {
			return err
		}
		err = fn(token)
	}
	return err
}

func (p *Paymob) token(ctx context.Context, refresh bool) (string, bool, error) {
	key := fmt.Sprintf(redisx.KeyGatewayToken, paymobName)
	if p.rdb != nil && !refresh {
		tok, err := p.rdb.Get(ctx, key).Result()
		if err == nil && tok != "" {
			return tok, true, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			p.log.Warn("token cache read failed", "err", err)
		}
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := p.call(ctx, "/api/auth/tokens", "", map[string]string{"api_key": p.cfg.APIKey}, &out); err != nil {
		return "", false, err
	}
	if out.Token == "" {
		return "", false, fmt.Errorf("%w: paymob returned an empty token", ErrGatewayUnavailable)
	}
	if p.rdb != nil {
		if err := p.rdb.Set(ctx, key, out.Token, redisx.TTLGatewayToken).Err(); err != nil {
			p.log.Warn("token cache write failed", "err", err)
		}
	}
	return out.Token, false, nil
}

type rejectedError struct {
	status int
	body   string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("paymob rejected request: status %d: %s", e.status, e.body)
}

// call POSTs in as JSON and decodes the response into out. Every failure is
// returned wrapped in ErrGatewayUnavailable, except rejections that callers
// inspect through *rejectedError first.
func (p *Paymob) call(ctx context.Context, path, token string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("paymob %s: encode: %w", path, err)
	}

	body, err := p.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := p.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, &rejectedError{status: resp.StatusCode, body: truncate(string(b), 256)}
		}
		return b, nil
	})
	if err != nil {
		p.log.Warn("paymob call failed", "path", path, "err", err)
		return apperr.Wrap(apperr.KindGatewayUnavailable, ErrGatewayUnavailable.Message, fmt.Errorf("paymob %s: %w", path, err))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Wrap(apperr.KindGatewayUnavailable, ErrGatewayUnavailable.Message, fmt.Errorf("paymob %s: decode: %w", path, err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
