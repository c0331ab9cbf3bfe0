package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/logging"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
)

var ErrNotOrderOwner = apperr.New(apperr.KindUnauthorized, "Unauthorized to pay for this order")

type PaymentOrders interface {
	GetByID(ctx context.Context, id string) (*orders.Order, error)
	SetGatewayOrderID(ctx context.Context, orderID, gatewayOrderID string) error
}

// InitiateInput is what the client sends to start a payment.
type InitiateInput struct {
	AmountCents    int64      `json:"amount_cents"`
	Currency       string     `json:"currency"`
	DeliveryNeeded bool       `json:"delivery_needed"`
	Payer          Payer      `json:"shipping_data"`
	Items          []LineItem `json:"items"`
}

func (in *InitiateInput) Validate() error {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	errs := map[string]string{}
	if in.AmountCents <= 0 {
		errs["amount_cents"] = "must be a positive integer"
	}
	if in.Currency != "" && len(in.Currency) != 3 {
		errs["currency"] = "must be a 3-letter code"
	}
	for field, v := range map[string]string{
		"shipping_data.first_name":   in.Payer.FirstName,
		"shipping_data.last_name":    in.Payer.LastName,
		"shipping_data.phone_number": in.Payer.PhoneNumber,
		"shipping_data.email":        in.Payer.Email,
	} {
		if strings.TrimSpace(v) == "" {
			errs[field] = "is required"
		}
	}
	if in.Payer.Email != "" {
		if _, err := mail.ParseAddress(in.Payer.Email); err != nil {
			errs["shipping_data.email"] = "must be a valid email address"
		}
	}
	for i, it := range in.Items {
		if it.Name == "" || it.Quantity < 1 || it.AmountCents < 0 {
			errs[fmt.Sprintf("items.%d", i)] = "needs a name, a positive quantity and a non-negative amount"
		}
	}
	if len(errs) > 0 {
		return apperr.Validation(errs)
	}
	return nil
}

// Service starts payments for existing orders. It holds no transaction while
// the gateway is called; a failed attempt leaves the order payable.
type Service struct {
	Orders  PaymentOrders
	Gateway Gateway
	Timeout time.Duration
	Log     *slog.Logger
}

func (s *Service) Initiate(ctx context.Context, userID, orderID string, in InitiateInput) (InitiateResult, error) {
	if err := in.Validate(); err != nil {
		return InitiateResult{}, err
	}
	log := logging.FromRequest(ctx, s.Log).With(logging.KeyOrderID, orderID, logging.KeyUserID, userID)

	o, err := s.Orders.GetByID(ctx, orderID)
	if err != nil {
		return InitiateResult{}, err
	}
	if o.UserID != userID {
		return InitiateResult{}, ErrNotOrderOwner
	}
	if !o.CanBePaid() || o.Status == orders.StatusCancelled {
		return InitiateResult{}, orders.ErrNotPayable
	}
	if total := orders.Cents(o.TotalPrice); in.AmountCents != total {
		return InitiateResult{}, apperr.Validation(map[string]string{"amount_cents": fmt.Sprintf("must equal the order total (%d)", total)})
	}

	items := in.Items
	if len(items) == 0 {
		items = itemsFromOrder(o)
	}

	gctx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	res, err := s.Gateway.Initiate(gctx, InitiateRequest{
		Order:          o,
		AmountCents:    in.AmountCents,
		Currency:       in.Currency,
		DeliveryNeeded: in.DeliveryNeeded,
		Payer:          in.Payer,
		Items:          items,
	})
	if err != nil {
		log.Warn("payment initiation failed", logging.KeyStep, "gateway", "err", err)
		if apperr.KindOf(err) != apperr.KindGatewayUnavailable {
			err = apperr.Wrap(apperr.KindGatewayUnavailable, ErrGatewayUnavailable.Message, err)
		}
		return InitiateResult{}, err
	}
	if res.GatewayOrderID == "" {
		log.Warn("payment initiation failed", logging.KeyStep, "gateway", "err", "no order reference")
		return InitiateResult{}, apperr.Wrap(apperr.KindGatewayUnavailable, ErrGatewayUnavailable.Message,
			fmt.Errorf("%s returned no order reference", s.Gateway.Name()))
	}

	// Callbacks are matched against this reference, so the redirect is only
	// returned once it is stored.
	if err := s.Orders.SetGatewayOrderID(ctx, o.ID, res.GatewayOrderID); err != nil {
		log.Error("payment initiation failed", logging.KeyStep, "record gateway order", "err", err)
		if apperr.KindOf(err) == apperr.KindNotPayable {
			return InitiateResult{}, err
		}
		return InitiateResult{}, apperr.Wrap(apperr.KindUnavailable, "payment could not be recorded", err)
	}
	log.Info("payment initiated", logging.KeyOrderNumber, o.OrderNumber, "gateway_order_id", res.GatewayOrderID)
	return res, nil
}

func itemsFromOrder(o *orders.Order) []LineItem {
	out := make([]LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, LineItem{
			Name:        it.ProductName,
			AmountCents: orders.Cents(it.UnitPrice),
			Description: it.ProductSKU,
			Quantity:    it.Quantity,
		})
	}
	return out
}
