// Package strategy turns configured price targets into order intents. A
// target is either a fixed limit price or an SMA depeg: buy when the price
// the order would book at sits a configured percentage under the moving
// average of recent closes.
package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"limit-trading/internal/config"
	"limit-trading/internal/core"
	"limit-trading/internal/indicator"
)

// CandleSource supplies recent close prices for SMA targets.
type CandleSource interface {
	Closes(ctx context.Context, pair string, intervalMin int) ([]decimal.Decimal, error)
}

type Evaluator struct {
	Targets []config.TargetConfig
	Candles CandleSource
	Window  time.Duration

	// Rules provide the price tick for rounding computed prices. Keyed by
	// symbol, filled at startup.
	Rules map[string]core.Rules

	mu   sync.Mutex
	last map[string]decimal.Decimal
}

func NewEvaluator(targets []config.TargetConfig, candles CandleSource, window time.Duration) *Evaluator {
	return &Evaluator{
		Targets: targets,
		Candles: candles,
		Window:  window,
		Rules:   make(map[string]core.Rules),
		last:    make(map[string]decimal.Decimal),
	}
}

// SetLastPrice records the most recent traded price for a symbol, fed from
// the ticker stream. Used only for the deviation guard.
func (e *Evaluator) SetLastPrice(symbol string, price decimal.Decimal) {
	if price.Cmp(decimal.Zero) <= 0 {
		return
	}
	e.mu.Lock()
	e.last[symbol] = price
	e.mu.Unlock()
}

func (e *Evaluator) lastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.last[symbol]
	return price, ok
}

// Intents computes the current intent per target. A target that cannot be
// priced this round (no candles yet, deviation guard) is skipped, not failed;
// the next evaluation tries again. Price sanity, including the configured
// band, is the validator's job once the intent is tracked.
func (e *Evaluator) Intents(ctx context.Context, now time.Time) ([]core.OrderIntent, error) {
	intents := make([]core.OrderIntent, 0, len(e.Targets))
	for _, target := range e.Targets {
		price, ok, err := e.price(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("price target %s: %w", target.Symbol, err)
		}
		if !ok {
			continue
		}
		if !e.admit(target, price) {
			continue
		}
		intents = append(intents, core.NewIntent(
			target.Symbol,
			target.CoreSide(),
			price,
			target.Qty.Decimal,
			now,
			e.Window,
		))
	}
	return intents, nil
}

func (e *Evaluator) price(ctx context.Context, target config.TargetConfig) (decimal.Decimal, bool, error) {
	if target.Price != nil {
		return e.roundToTick(target.Symbol, target.Price.Decimal), true, nil
	}
	if target.SMA == nil {
		return decimal.Zero, false, nil
	}
	if e.Candles == nil {
		return decimal.Zero, false, fmt.Errorf("sma target without candle source")
	}
	closes, err := e.Candles.Closes(ctx, target.Symbol, target.SMA.IntervalMin)
	if err != nil {
		return decimal.Zero, false, err
	}
	avg, ready := indicator.SMA(closes, target.SMA.Length)
	if !ready {
		log.Printf("level=INFO event=sma_warming_up symbol=%s have=%d need=%d",
			target.Symbol, len(closes), target.SMA.Length)
		return decimal.Zero, false, nil
	}
	// price = SMA * (1 - depeg/100)
	factor := decimal.NewFromInt(1).Sub(target.SMA.DepegPct.Div(decimal.NewFromInt(100)))
	return e.roundToTick(target.Symbol, avg.Mul(factor)), true, nil
}

func (e *Evaluator) roundToTick(symbol string, price decimal.Decimal) decimal.Decimal {
	rules, ok := e.Rules[symbol]
	if !ok || rules.PriceTick.Cmp(decimal.Zero) <= 0 {
		return price
	}
	return core.RoundDown(price, rules.PriceTick)
}

func (e *Evaluator) admit(target config.TargetConfig, price decimal.Decimal) bool {
	if price.Cmp(decimal.Zero) <= 0 {
		return false
	}
	if target.MaxDeviationPct != nil {
		last, ok := e.lastPrice(target.Symbol)
		if ok {
			diff := price.Sub(last).Abs().Div(last).Mul(decimal.NewFromInt(100))
			if diff.Cmp(target.MaxDeviationPct.Decimal) > 0 {
				log.Printf("level=WARN event=target_deviation_guard symbol=%s price=%s last=%s deviation_pct=%s",
					target.Symbol, price, last, diff.StringFixed(4))
				return false
			}
		}
	}
	return true
}
