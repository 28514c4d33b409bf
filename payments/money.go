package payments

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// ToCents converts a decimal currency amount into the smallest currency
// unit expected by the payment processor, rounding half away from zero to
// the nearest cent. Truncation would under-charge.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromCents converts a processor amount back into a decimal currency value.
func FromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(hundred)
}
