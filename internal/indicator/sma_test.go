package indicator

import (
	"testing"

	"github.com/shopspring/decimal"
)

func decs(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		out = append(out, decimal.RequireFromString(v))
	}
	return out
}

func TestSMA(t *testing.T) {
	closes := decs("1", "2", "3", "4", "5")

	avg, ok := SMA(closes, 5)
	if !ok {
		t.Fatal("SMA not ready with exact window")
	}
	if avg.String() != "3" {
		t.Fatalf("SMA = %s, want 3", avg)
	}

	avg, ok = SMA(closes, 2)
	if !ok {
		t.Fatal("SMA not ready with short window")
	}
	if avg.String() != "4.5" {
		t.Fatalf("SMA(2) = %s, want 4.5", avg)
	}

	if _, ok := SMA(closes, 6); ok {
		t.Fatal("SMA ready with too few values")
	}
	if _, ok := SMA(closes, 0); ok {
		t.Fatal("SMA accepted zero length")
	}
}
