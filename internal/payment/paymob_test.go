package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/config"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "hmac-secret"

type fakePaymob struct {
	tokenCalls atomic.Int32
	orderCalls atomic.Int32
	lastOrder  paymobOrderRequest
	lastAuth   string
	orderCode  int
	orderURL   string
	rejectOnce atomic.Bool
}

func (f *fakePaymob) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["api_key"] != "key-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		n := f.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + string(rune('0'+n))})
	})
	mux.HandleFunc("POST /api/ecommerce/orders", func(w http.ResponseWriter, r *http.Request) {
		f.orderCalls.Add(1)
		f.lastAuth = r.Header.Get("Authorization")
		if f.rejectOnce.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&f.lastOrder)
		if f.orderCode != 0 {
			w.WriteHeader(f.orderCode)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 987, "url": f.orderURL})
	})
	return mux
}

func newTestPaymob(t *testing.T, f *fakePaymob, rdb *redis.Client) *Paymob {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg := config.Paymob{BaseURL: srv.URL, APIKey: "key-1", HMACSecret: testSecret, Integrations: []int{4321}, Currency: "EGP"}
	return NewPaymob(cfg, srv.Client(), rdb, nil)
}

func initiateReq() InitiateRequest {
	return InitiateRequest{
		Order:       &orders.Order{ID: "o-1", OrderNumber: "ORD-2025-ABC123", TotalPrice: decimal.RequireFromString("275.00")},
		AmountCents: 27500,
		Payer:       Payer{FirstName: "Jane", LastName: "Doe", PhoneNumber: "+201000000000", Email: "jane@example.com"},
		Items:       []LineItem{{Name: "Keyboard", AmountCents: 10000, Quantity: 2}},
	}
}

func TestPaymobInitiate(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := &fakePaymob{orderURL: "https://accept.paymob.com/invoice/abc"}
	p := newTestPaymob(t, f, rdb)

	res, err := p.Initiate(context.Background(), initiateReq())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://accept.paymob.com/invoice/abc", res.RedirectURL)
	assert.Equal(t, "987", res.GatewayOrderID)

	assert.Equal(t, "ORD-2025-ABC123", f.lastOrder.MerchantOrderID)
	assert.Equal(t, "INVOICE", f.lastOrder.APISource)
	assert.Equal(t, int64(27500), f.lastOrder.AmountCents)
	assert.Equal(t, "EGP", f.lastOrder.Currency)
	assert.Equal(t, []int{4321}, f.lastOrder.Integrations)
	assert.Equal(t, "Jane", f.lastOrder.ShippingData.FirstName)
	assert.Equal(t, "Bearer tok-1", f.lastAuth)

	// token comes from Redis the second time
	_, err = p.Initiate(context.Background(), initiateReq())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	assert.Equal(t, int32(2), f.orderCalls.Load())
	assert.True(t, mr.Exists("gateway_token:paymob"))
}

func TestPaymobRefreshesExpiredToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, mr.Set("gateway_token:paymob", "stale"))
	f := &fakePaymob{orderURL: "https://pay/1"}
	f.rejectOnce.Store(true)
	p := newTestPaymob(t, f, rdb)

	res, err := p.Initiate(context.Background(), initiateReq())
	require.NoError(t, err)
	assert.Equal(t, "https://pay/1", res.RedirectURL)
	assert.Equal(t, int32(1), f.tokenCalls.Load())
	got, _ := mr.Get("gateway_token:paymob")
	assert.Equal(t, "tok-1", got)
}

func TestPaymobInitiateFailures(t *testing.T) {
	tests := map[string]*fakePaymob{
		"provider 5xx":   {orderCode: http.StatusBadGateway},
		"provider 4xx":   {orderCode: http.StatusUnprocessableEntity},
		"no payment url": {orderURL: ""},
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			p := newTestPaymob(t, f, nil)
			res, err := p.Initiate(context.Background(), initiateReq())
			require.Error(t, err)
			assert.Equal(t, apperr.KindGatewayUnavailable, apperr.KindOf(err))
			assert.False(t, res.Success)
		})
	}

	t.Run("network error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		p := NewPaymob(config.Paymob{BaseURL: srv.URL, APIKey: "key-1", HMACSecret: testSecret}, nil, nil, nil)
		_, err := p.Initiate(context.Background(), initiateReq())
		assert.Equal(t, apperr.KindGatewayUnavailable, apperr.KindOf(err))
	})
}

func TestPaymobBreakerOpensAfterRepeatedFailures(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	f := &fakePaymob{orderCode: http.StatusInternalServerError}
	p := newTestPaymob(t, f, rdb)

	for i := 0; i < 5; i++ {
		_, err := p.Initiate(context.Background(), initiateReq())
		require.Error(t, err)
	}
	require.Equal(t, int32(5), f.orderCalls.Load())

	_, err := p.Initiate(context.Background(), initiateReq())
	assert.Equal(t, apperr.KindGatewayUnavailable, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Equal(t, int32(5), f.orderCalls.Load(), "open breaker short-circuits")
}

func signedPayload(success string) CallbackPayload {
	p := CallbackPayload{
		"amount_cents":           "27500",
		"created_at":             "2025-06-01T09:00:00.000000",
		"currency":               "EGP",
		"error_occured":          "false",
		"has_parent_transaction": "false",
		"id":                     "192837",
		"integration_id":         "4321",
		"is_3d_secure":           "true",
		"is_auth":                "false",
		"is_capture":             "false",
		"is_refunded":            "false",
		"is_standalone_payment":  "true",
		"is_voided":              "false",
		"order":                  "987",
		"owner":                  "55",
		"pending":                "false",
		"source_data.pan":        "2346",
		"source_data.sub_type":   "MasterCard",
		"source_data.type":       "card",
		"success":                success,
		"merchant_order_id":      "ORD-2025-ABC123",
	}
	p["hmac"] = SignCallback(testSecret, p)
	return p
}

func TestResolveCallback(t *testing.T) {
	p := newTestPaymob(t, &fakePaymob{}, nil)
	ctx := context.Background()

	res, err := p.ResolveCallback(ctx, signedPayload("true"))
	require.NoError(t, err)
	assert.Equal(t, CallbackResult{
		OrderNumber:    "ORD-2025-ABC123",
		GatewayOrderID: "987",
		AmountCents:    27500,
		Succeeded:      true,
		TransactionID:  "192837",
	}, res)

	res, err = p.ResolveCallback(ctx, signedPayload("false"))
	require.NoError(t, err)
	assert.False(t, res.Succeeded)

	upper := signedPayload("true")
	upper["hmac"] = strings.ToUpper(upper["hmac"])
	_, err = p.ResolveCallback(ctx, upper)
	require.NoError(t, err)
}

func TestResolveCallbackFromPostBody(t *testing.T) {
	p := newTestPaymob(t, &fakePaymob{}, nil)

	var body map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"type":"TRANSACTION","obj":{
		"id":192837,"amount_cents":27500,"created_at":"2025-06-01T09:00:00.000000","currency":"EGP",
		"error_occured":false,"has_parent_transaction":false,"integration_id":4321,"is_3d_secure":true,
		"is_auth":false,"is_capture":false,"is_refunded":false,"is_standalone_payment":true,"is_voided":false,
		"owner":55,"pending":false,"success":true,
		"order":{"id":987,"merchant_order_id":"ORD-2025-ABC123"},
		"source_data":{"pan":"2346","sub_type":"MasterCard","type":"card"}}}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&body))

	payload := CallbackPayload{}
	payload.Flatten("", body["obj"])
	assert.Equal(t, "987", payload["order.id"])
	assert.Equal(t, "true", payload["success"])

	// same values as the GET form, so the same signature
	payload["hmac"] = signedPayload("true")["hmac"]

	res, err := p.ResolveCallback(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "ORD-2025-ABC123", res.OrderNumber)
	assert.Equal(t, "987", res.GatewayOrderID)
	assert.Equal(t, int64(27500), res.AmountCents)
	assert.Equal(t, "192837", res.TransactionID)
}

func TestResolveCallbackRejects(t *testing.T) {
	ctx := context.Background()
	p := newTestPaymob(t, &fakePaymob{}, nil)

	tampered := signedPayload("true")
	tampered["amount_cents"] = "1"

	noHMAC := signedPayload("true")
	delete(noHMAC, "hmac")

	noOrder := signedPayload("true")
	delete(noOrder, "merchant_order_id")
	noOrder["hmac"] = SignCallback(testSecret, noOrder)

	noTxn := signedPayload("true")
	noTxn["id"] = ""
	noTxn["hmac"] = SignCallback(testSecret, noTxn)

	noGatewayOrder := signedPayload("true")
	delete(noGatewayOrder, "order")
	noGatewayOrder["hmac"] = SignCallback(testSecret, noGatewayOrder)

	badAmount := signedPayload("true")
	badAmount["amount_cents"] = "275.00"
	badAmount["hmac"] = SignCallback(testSecret, badAmount)

	swappedGatewayOrder := signedPayload("true")
	swappedGatewayOrder["order"] = "555"

	for name, payload := range map[string]CallbackPayload{
		"tampered":             tampered,
		"tampered order id":    swappedGatewayOrder,
		"missing hmac":         noHMAC,
		"missing order":        noOrder,
		"missing paymob order": noGatewayOrder,
		"non-integer amount":   badAmount,
		"missing txn id":       noTxn,
		"empty":                {},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.ResolveCallback(ctx, payload)
			assert.ErrorIs(t, err, ErrUnrecognizedCallback)
		})
	}

	t.Run("no secret configured", func(t *testing.T) {
		unsigned := NewPaymob(config.Paymob{}, nil, nil, nil)
		_, err := unsigned.ResolveCallback(ctx, signedPayload("true"))
		assert.Equal(t, apperr.KindUnrecognizedCallback, apperr.KindOf(err))
	})
}
