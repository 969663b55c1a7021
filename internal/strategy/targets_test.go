package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"limit-trading/internal/config"
	"limit-trading/internal/core"
)

type fakeCandles struct {
	closes []decimal.Decimal
	err    error
	calls  int
}

func (f *fakeCandles) Closes(ctx context.Context, pair string, intervalMin int) ([]decimal.Decimal, error) {
	f.calls++
	return f.closes, f.err
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *config.Decimal {
	d := config.Dec(s)
	return &d
}

func staticTarget(price string) config.TargetConfig {
	return config.TargetConfig{
		Symbol:     "XBTUSD",
		BaseAsset:  "XXBT",
		QuoteAsset: "ZUSD",
		Side:       "buy",
		Qty:        config.Dec("0.01"),
		Price:      decPtr(price),
	}
}

func smaTarget(length int, depegPct string) config.TargetConfig {
	return config.TargetConfig{
		Symbol:     "USDTUSD",
		BaseAsset:  "USDT",
		QuoteAsset: "ZUSD",
		Side:       "buy",
		Qty:        config.Dec("100"),
		SMA: &config.SMAConfig{
			IntervalMin: 60,
			Length:      length,
			DepegPct:    config.Dec(depegPct),
		},
	}
}

func evalAt() time.Time {
	return time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)
}

func TestStaticTargetIntent(t *testing.T) {
	e := NewEvaluator([]config.TargetConfig{staticTarget("50000")}, nil, time.Hour)
	intents, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
	intent := intents[0]
	if intent.Symbol != "XBTUSD" || intent.Side != core.Buy {
		t.Fatalf("intent = %s %s", intent.Symbol, intent.Side)
	}
	if intent.TargetPrice.String() != "50000" {
		t.Fatalf("price = %s", intent.TargetPrice)
	}
	if intent.Token == "" {
		t.Fatal("no token derived")
	}
}

func TestTokenStableWithinWindow(t *testing.T) {
	e := NewEvaluator([]config.TargetConfig{staticTarget("50000")}, nil, time.Hour)
	first, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("first Intents: %v", err)
	}
	second, err := e.Intents(context.Background(), evalAt().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("second Intents: %v", err)
	}
	if first[0].Token != second[0].Token {
		t.Fatal("token changed inside idempotency window")
	}
	later, err := e.Intents(context.Background(), evalAt().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("later Intents: %v", err)
	}
	if first[0].Token == later[0].Token {
		t.Fatal("token unchanged across windows")
	}
}

func TestSMATargetPricing(t *testing.T) {
	candles := &fakeCandles{closes: []decimal.Decimal{dec("1.00"), dec("1.02"), dec("0.98"), dec("1.00")}}
	e := NewEvaluator([]config.TargetConfig{smaTarget(4, "2")}, candles, time.Hour)
	intents, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
	// SMA = 1.00, depeg 2% -> 0.98
	if intents[0].TargetPrice.String() != "0.98" {
		t.Fatalf("price = %s, want 0.98", intents[0].TargetPrice)
	}
}

func TestSMAWarmupSkipsTarget(t *testing.T) {
	candles := &fakeCandles{closes: []decimal.Decimal{dec("1.00")}}
	e := NewEvaluator([]config.TargetConfig{smaTarget(4, "2")}, candles, time.Hour)
	intents, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 0 {
		t.Fatalf("got %d intents during warmup, want 0", len(intents))
	}
}

func TestCandleErrorPropagates(t *testing.T) {
	wantErr := errors.New("ohlc unavailable")
	candles := &fakeCandles{err: wantErr}
	e := NewEvaluator([]config.TargetConfig{smaTarget(4, "2")}, candles, time.Hour)
	if _, err := e.Intents(context.Background(), evalAt()); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want wrapped candle error", err)
	}
}

func TestTickRounding(t *testing.T) {
	e := NewEvaluator([]config.TargetConfig{staticTarget("50000.07")}, nil, time.Hour)
	e.Rules["XBTUSD"] = core.Rules{PriceTick: dec("0.1")}
	intents, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if intents[0].TargetPrice.String() != "50000" {
		t.Fatalf("price = %s, want 50000", intents[0].TargetPrice)
	}
}

func TestOutOfBandTargetStillProducesIntent(t *testing.T) {
	// The configured band is enforced during validation so the rejection is
	// recorded in the ledger; the evaluator does not filter on it.
	target := staticTarget("50000")
	target.PriceBand = &config.BandConfig{
		Min: config.Dec("55000"),
		Max: config.Dec("60000"),
	}
	e := NewEvaluator([]config.TargetConfig{target}, nil, time.Hour)
	intents, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("got %d intents, want 1", len(intents))
	}
}

func TestDeviationGuard(t *testing.T) {
	target := staticTarget("50000")
	target.MaxDeviationPct = decPtr("5")
	e := NewEvaluator([]config.TargetConfig{target}, nil, time.Hour)

	// No last price yet: the guard cannot fire.
	intents, err := e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("got %d intents with no last price, want 1", len(intents))
	}

	e.SetLastPrice("XBTUSD", dec("60000"))
	intents, err = e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 0 {
		t.Fatalf("got %d intents past deviation guard, want 0", len(intents))
	}

	e.SetLastPrice("XBTUSD", dec("51000"))
	intents, err = e.Intents(context.Background(), evalAt())
	if err != nil {
		t.Fatalf("Intents: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("got %d intents within deviation, want 1", len(intents))
	}
}
