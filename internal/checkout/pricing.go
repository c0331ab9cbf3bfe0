package checkout

import (
	"github.com/ariefcatur/go-shop-checkout/internal/cart"
	"github.com/shopspring/decimal"
)

// Pricing holds the rates applied at checkout. Every step rounds to 2 places,
// half away from zero.
type Pricing struct {
	TaxRate     decimal.Decimal
	ShippingFee decimal.Decimal
}

func DefaultPricing() Pricing {
	return Pricing{
		TaxRate:     decimal.RequireFromString("0.08"),
		ShippingFee: decimal.RequireFromString("5.00"),
	}
}

type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

func LineSubtotal(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty))).Round(2)
}

// Quote returns the rounded subtotal of each line, in order, and the order totals.
func (p Pricing) Quote(lines []cart.Line) ([]decimal.Decimal, Totals) {
	subs := make([]decimal.Decimal, len(lines))
	subtotal := decimal.Zero
	for i, ln := range lines {
		subs[i] = LineSubtotal(ln.UnitPrice, ln.Quantity)
		subtotal = subtotal.Add(subs[i])
	}
	tax := subtotal.Mul(p.TaxRate).Round(2)
	shipping := p.ShippingFee.Round(2)
	return subs, Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Add(shipping).Round(2),
	}
}
