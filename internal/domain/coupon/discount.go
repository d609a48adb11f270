package coupon

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Discount calculates the discount a coupon rule grants on purchaseAmount.
//
// Nominal discounts never exceed the purchase amount, percent discounts take
// value% of it, and a non-zero maxAmount caps either. The result is rounded
// to two decimal places. Fractions of a cent in purchaseAmount are dropped
// first so rounding never lifts the discount above the purchase.
func Discount(purchaseAmount decimal.Decimal, typ DiscountType, value decimal.Decimal, maxAmount *decimal.Decimal) decimal.Decimal {
	purchaseAmount = purchaseAmount.Truncate(2)

	var amount decimal.Decimal
	switch typ {
	case DiscountNominal:
		amount = decimal.Min(purchaseAmount, value)
	case DiscountPercent:
		amount = purchaseAmount.Mul(value).Div(hundred)
	default:
		amount = value
	}

	if maxAmount != nil && !maxAmount.IsZero() && amount.GreaterThan(*maxAmount) {
		amount = *maxAmount
	}

	return floorAtZero(amount).Round(2)
}

// TotalAfterDiscount returns the purchase amount minus the discount, floored at zero.
func TotalAfterDiscount(purchaseAmount decimal.Decimal, typ DiscountType, value decimal.Decimal, maxAmount *decimal.Decimal) decimal.Decimal {
	total := purchaseAmount.Sub(Discount(purchaseAmount, typ, value, maxAmount))
	return floorAtZero(total).Round(2)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
