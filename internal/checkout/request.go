package checkout

import (
	"strings"
	"unicode/utf8"

	"github.com/ariefcatur/go-shop-checkout/internal/apperr"
	"github.com/ariefcatur/go-shop-checkout/internal/orders"
)

type Request struct {
	UserID        string
	Shipping      orders.ShippingInfo
	PaymentMethod string
	Notes         string
}

const (
	maxText      = 255
	maxShortText = 20
	maxNotes     = 2000
)

// Validate trims the request in place and reports every invalid field at once.
func (r *Request) Validate() error {
	s := &r.Shipping
	for _, f := range []*string{&s.Name, &s.Address, &s.City, &s.State, &s.Zipcode, &s.Country, &s.Phone, &r.PaymentMethod, &r.Notes} {
		*f = strings.TrimSpace(*f)
	}

	errs := map[string]string{}
	required := func(field, v string, max int) {
		switch {
		case v == "":
			errs[field] = "is required"
		case utf8.RuneCountInString(v) > max:
			errs[field] = "is too long"
		}
	}
	required("shipping_name", s.Name, maxText)
	required("shipping_address", s.Address, maxText)
	required("shipping_city", s.City, maxText)
	required("shipping_zipcode", s.Zipcode, maxShortText)
	required("shipping_country", s.Country, maxText)
	required("shipping_phone", s.Phone, maxShortText)
	if utf8.RuneCountInString(s.State) > maxText {
		errs["shipping_state"] = "is too long"
	}
	if utf8.RuneCountInString(r.PaymentMethod) > maxText {
		errs["payment_method"] = "is too long"
	}
	if utf8.RuneCountInString(r.Notes) > maxNotes {
		errs["notes"] = "is too long"
	}
	if r.UserID == "" {
		return apperr.New(apperr.KindUnauthorized, "Unauthenticated")
	}
	if len(errs) > 0 {
		return apperr.Validation(errs)
	}
	if r.PaymentMethod == "" {
		r.PaymentMethod = orders.DefaultPaymentMethod
	}
	return nil
}
