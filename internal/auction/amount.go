package auction

import "github.com/shopspring/decimal"

// Bounds on a bid amount as written. They are checked from the exponent
// and coefficient length alone, so an amount like 1e200000000 is refused
// without ever being expanded.
const (
	MaxAmountIntegerDigits = 20
	MaxAmountScale         = 18
)

// CheckAmount returns an InvalidInput error when d has more than
// MaxAmountIntegerDigits digits before the decimal point or more than
// MaxAmountScale digits after it.
func CheckAmount(d decimal.Decimal) error {
	exp := int64(d.Exponent())
	if -exp > MaxAmountScale {
		return newError(KindInvalidInput, nil, "amount has more than %d decimal places", MaxAmountScale)
	}
	if int64(d.NumDigits())+exp > MaxAmountIntegerDigits {
		return newError(KindInvalidInput, nil, "amount has more than %d integer digits", MaxAmountIntegerDigits)
	}
	return nil
}
