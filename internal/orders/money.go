package orders

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Cents converts a 2-place amount to integer cents, rounding half away from zero.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(hundred).Round(0).IntPart()
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
