package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"limit-trading/internal/core"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestValidator(margin string) *Validator {
	v := New(dec(margin))
	v.SetPair("XBTUSD",
		core.PairAssets{Base: "XXBT", Quote: "ZUSD"},
		core.Rules{
			MinQty:      dec("0.0001"),
			MinNotional: dec("0.5"),
			PriceTick:   dec("0.1"),
			QtyStep:     dec("0.00000001"),
		})
	return v
}

func intent(side core.Side, price, qty string) core.OrderIntent {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return core.NewIntent("XBTUSD", side, dec(price), dec(qty), at, time.Hour)
}

func TestBuyApprovedWithSufficientQuote(t *testing.T) {
	v := newTestValidator("0")
	snapshot := core.BalanceSnapshot{"ZUSD": dec("1000")}
	if err := v.Validate(intent(core.Buy, "50000", "0.01"), snapshot); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestBuyRejectedWithInsufficientQuote(t *testing.T) {
	v := newTestValidator("0")
	snapshot := core.BalanceSnapshot{"ZUSD": dec("100")}
	err := v.Validate(intent(core.Buy, "50000", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
}

func TestMarginRaisesRequiredBalance(t *testing.T) {
	v := newTestValidator("0.01")
	// Cost is exactly 500; a 1% margin demands 505.
	exact := core.BalanceSnapshot{"ZUSD": dec("500")}
	err := v.Validate(intent(core.Buy, "50000", "0.01"), exact)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	padded := core.BalanceSnapshot{"ZUSD": dec("505")}
	if err := v.Validate(intent(core.Buy, "50000", "0.01"), padded); err != nil {
		t.Fatalf("Validate with margin headroom: %v", err)
	}
}

func TestSellChecksBaseAsset(t *testing.T) {
	v := newTestValidator("0")
	snapshot := core.BalanceSnapshot{"ZUSD": dec("100000"), "XXBT": dec("0.005")}
	err := v.Validate(intent(core.Sell, "50000", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	snapshot["XXBT"] = dec("0.02")
	if err := v.Validate(intent(core.Sell, "50000", "0.01"), snapshot); err != nil {
		t.Fatalf("Validate sell with base balance: %v", err)
	}
}

func TestMissingAssetTreatedAsZero(t *testing.T) {
	v := newTestValidator("0")
	err := v.Validate(intent(core.Buy, "50000", "0.01"), core.BalanceSnapshot{})
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
}

func TestBelowMinimums(t *testing.T) {
	v := newTestValidator("0")
	snapshot := core.BalanceSnapshot{"ZUSD": dec("1000")}

	err := v.Validate(intent(core.Buy, "50000", "0.00005"), snapshot)
	if !errors.Is(err, core.ErrBelowExchangeMinimum) {
		t.Fatalf("qty below min: error = %v, want ErrBelowExchangeMinimum", err)
	}

	err = v.Validate(intent(core.Buy, "0.1", "0.001"), snapshot)
	if !errors.Is(err, core.ErrBelowExchangeMinimum) {
		t.Fatalf("notional below min: error = %v, want ErrBelowExchangeMinimum", err)
	}
}

func TestInvalidPrice(t *testing.T) {
	v := newTestValidator("0")
	snapshot := core.BalanceSnapshot{"ZUSD": dec("1000")}

	err := v.Validate(intent(core.Buy, "0", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("zero price: error = %v, want ErrInvalidPrice", err)
	}

	err = v.Validate(intent(core.Buy, "-1", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("negative price: error = %v, want ErrInvalidPrice", err)
	}

	err = v.Validate(intent(core.Buy, "50000.03", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("off-tick price: error = %v, want ErrInvalidPrice", err)
	}
}

func TestPriceOutsideBandRejected(t *testing.T) {
	v := newTestValidator("0")
	v.SetBand("XBTUSD", dec("45000"), dec("55000"))
	snapshot := core.BalanceSnapshot{"ZUSD": dec("100000")}

	if err := v.Validate(intent(core.Buy, "50000", "0.01"), snapshot); err != nil {
		t.Fatalf("in-band price rejected: %v", err)
	}
	err := v.Validate(intent(core.Buy, "40000", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("below band: error = %v, want ErrInvalidPrice", err)
	}
	err = v.Validate(intent(core.Buy, "60000", "0.01"), snapshot)
	if !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("above band: error = %v, want ErrInvalidPrice", err)
	}
}

func TestPriceCheckedBeforeBalance(t *testing.T) {
	v := newTestValidator("0")
	// Both the price and the balance are bad; the price error must win.
	err := v.Validate(intent(core.Buy, "-5", "0.01"), core.BalanceSnapshot{})
	if !errors.Is(err, core.ErrInvalidPrice) {
		t.Fatalf("error = %v, want ErrInvalidPrice first", err)
	}
}

func TestUnconfiguredPairRejected(t *testing.T) {
	v := New(decimal.Zero)
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	other := core.NewIntent("ETHUSD", core.Buy, dec("3000"), dec("0.1"), at, time.Hour)
	if err := v.Validate(other, core.BalanceSnapshot{"ZUSD": dec("10000")}); err == nil {
		t.Fatal("Validate accepted pair with no configured assets")
	}
}
