package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
)

var (
	ErrGatewayUnavailable   = apperr.New(apperr.KindGatewayUnavailable, "payment provider unavailable")
	ErrUnrecognizedCallback = apperr.New(apperr.KindUnrecognizedCallback, "unrecognized payment callback")
)

// Gateway is a payment provider. Implementations never read or write orders.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	ResolveCallback(ctx context.Context, payload CallbackPayload) (CallbackResult, error)
}

type Payer struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

type LineItem struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
}

type InitiateRequest struct {
	Order          *orders.Order
	AmountCents    int64
	Currency       string
	DeliveryNeeded bool
	Payer          Payer
	Items          []LineItem
}

type InitiateResult struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"url"`

	// GatewayOrderID is the provider's reference for this attempt. Callbacks
	// must carry it back under the provider's signature.
	GatewayOrderID string `json:"-"`
}

// CallbackPayload is the provider's callback flattened to string values;
// nested keys are joined with a dot ("order.id").
type CallbackPayload map[string]string

// First returns the first non-empty value among keys.
func (p CallbackPayload) First(keys ...string) string {
	for _, k := range keys {
		if v := p[k]; v != "" {
			return v
		}
	}
	return ""
}

// CallbackResult is what a verified callback says. OrderNumber may come from
// an unsigned field, so the reconciler only trusts it once GatewayOrderID and
// AmountCents match the stored order.
type CallbackResult struct {
	OrderNumber    string
	GatewayOrderID string
	AmountCents    int64
	Succeeded      bool
	TransactionID  string
}

// Flatten copies a decoded JSON object into p. Decode with UseNumber so
// amounts keep their exact text.
func (p CallbackPayload) Flatten(prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			p.Flatten(key, child)
		}
	case []any:
		for i, child := range t {
			p.Flatten(fmt.Sprintf("%s.%d", prefix, i), child)
		}
	case string:
		p[prefix] = t
	case json.Number:
		p[prefix] = t.String()
	case bool:
		p[prefix] = strconv.FormatBool(t)
	case float64:
		p[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		p[prefix] = ""
	default:
		p[prefix] = fmt.Sprint(t)
	}
}
