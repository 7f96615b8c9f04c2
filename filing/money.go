package filing

import "github.com/shopspring/decimal"

// PriceTolerance is the largest difference between a proposed and a
// computed amount that is still treated as equal.
var PriceTolerance = decimal.NewFromFloat(0.01)

// Cents rounds to two decimal places, half away from zero. All amounts in
// the engine are non-negative so this is half-up.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Dollars builds an amount from a float literal, rounded to cents.
func Dollars(v float64) decimal.Decimal {
	return Cents(decimal.NewFromFloat(v))
}

// MustDollars parses a decimal string such as "378.10". It panics on bad
// input and is meant for constants and tests.
func MustDollars(s string) decimal.Decimal {
	return Cents(decimal.RequireFromString(s))
}

// WithinTolerance reports whether a and b differ by at most PriceTolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(PriceTolerance)
}

// FormatUSD renders an amount as "$11,343.00".
func FormatUSD(d decimal.Decimal) string {
	s := Cents(d).StringFixed(2)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	var out []byte
	for i := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, intPart[i])
	}
	res := "$" + string(out) + frac
	if neg {
		res = "-" + res
	}
	return res
}
