// Package indicator holds the small price statistics the target strategy
// consumes.
package indicator

import (
	"github.com/shopspring/decimal"
)

// SMA returns the simple moving average of the last length values in closes.
// It returns false until enough values exist.
func SMA(closes []decimal.Decimal, length int) (decimal.Decimal, bool) {
	if length <= 0 || len(closes) < length {
		return decimal.Zero, false
	}
	window := closes[len(closes)-length:]
	sum := decimal.Zero
	for _, c := range window {
		sum = sum.Add(c)
	}
	return sum.Div(decimal.NewFromInt(int64(length))), true
}
