package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision for the two quantity kinds the ledger stores.
const (
	CurrencyPlaces int32 = 2 // 0.01 USD
	QuantityPlaces int32 = 6 // 0.000001 shares
)

// Zero is the decimal zero value, re-exported so callers don't need the import for comparisons.
var Zero = decimal.Zero

// ClampAmount rounds a currency amount toward zero to cent precision.
// Sized amounts are only ever rounded down: a clamp can never grow an approved trade.
func ClampAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(CurrencyPlaces)
}

// ClampQuantity rounds a share quantity toward zero to quantity precision.
func ClampQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.Truncate(QuantityPlaces)
}

// QuantityFor converts a currency amount into shares at the given price.
func QuantityFor(amount, price decimal.Decimal) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return Zero, fmt.Errorf("price must be positive, got %s", price)
	}
	return ClampQuantity(amount.DivRound(price, QuantityPlaces+2)), nil
}

// Notional returns qty * price at currency precision.
func Notional(qty, price decimal.Decimal) decimal.Decimal {
	return ClampAmount(qty.Mul(price))
}

// ComputeAvgEntryPrice calculates the quantity-weighted average entry price
func ComputeAvgEntryPrice(oldQty, oldAvgEntry, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if oldQty.IsZero() {
		return fillPrice
	}

	total := oldQty.Add(fillQty)
	if total.IsZero() {
		return Zero
	}

	// (oldQty * oldAvg + fillQty * fillPrice) / (oldQty + fillQty)
	numerator := oldQty.Mul(oldAvgEntry).Add(fillQty.Mul(fillPrice))
	return numerator.DivRound(total, QuantityPlaces+2)
}

// ComputeRealizedPnL calculates PnL for closing closeQty shares bought at avgEntry.
// Positions in outcome markets are long-only, so the sign is always exit - entry.
func ComputeRealizedPnL(exitPrice, avgEntry, closeQty decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(avgEntry).Mul(closeQty).Round(CurrencyPlaces)
}

// ComputeUnrealizedPnL marks an open quantity to the current price.
func ComputeUnrealizedPnL(markPrice, avgEntry, qty decimal.Decimal) decimal.Decimal {
	return ComputeRealizedPnL(markPrice, avgEntry, qty)
}

// Ratio returns part / whole. ok is false when whole is not positive,
// because a percentage of a non-positive base carries no meaning.
func Ratio(part, whole decimal.Decimal) (ratio decimal.Decimal, ok bool) {
	if !whole.IsPositive() {
		return Zero, false
	}
	return part.DivRound(whole, 10), true
}

// Parse parses a decimal setting. Empty strings parse as zero.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
