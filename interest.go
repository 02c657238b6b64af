package bankapi

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// CalculateInterest returns the compound interest earned on principal at ratePercent
// per period over the given number of periods, rounded half-to-even to cents.
func CalculateInterest(principal, ratePercent decimal.Decimal, periods int) (decimal.Decimal, error) {
	if periods < 0 {
		return decimal.Zero, badRequest("periods", "must not be negative")
	}
	factor := decimal.NewFromInt(1).Add(ratePercent.Div(hundred))
	compounded := principal
	for i := 0; i < periods; i++ {
		compounded = compounded.Mul(factor)
	}
	return compounded.Sub(principal).RoundBank(2), nil
}
