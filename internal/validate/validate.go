// Package validate decides, from a balance snapshot and exchange rules alone,
// whether an order intent may be submitted. It performs no I/O and never talks
// to the exchange; callers fetch a fresh snapshot per decision.
package validate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"limit-trading/internal/core"
)

// Band is the configured sane price range for a symbol. A limit price
// outside it is rejected as invalid regardless of how it was computed.
type Band struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

type Validator struct {
	// Margin is the extra balance fraction required beyond the order cost,
	// e.g. 0.01 demands 1% headroom.
	Margin decimal.Decimal
	Rules  map[string]core.Rules
	Assets map[string]core.PairAssets
	Bands  map[string]Band
}

func New(margin decimal.Decimal) *Validator {
	return &Validator{
		Margin: margin,
		Rules:  make(map[string]core.Rules),
		Assets: make(map[string]core.PairAssets),
		Bands:  make(map[string]Band),
	}
}

func (v *Validator) SetPair(symbol string, assets core.PairAssets, rules core.Rules) {
	v.Assets[symbol] = assets
	v.Rules[symbol] = rules
}

func (v *Validator) SetBand(symbol string, min, max decimal.Decimal) {
	v.Bands[symbol] = Band{Min: min, Max: max}
}

// Validate checks price sanity, exchange minimums, and balance sufficiency, in
// that order. The first failure wins; the returned error wraps exactly one of
// core.ErrInvalidPrice, core.ErrBelowExchangeMinimum, or
// core.ErrInsufficientBalance.
func (v *Validator) Validate(intent core.OrderIntent, snapshot core.BalanceSnapshot) error {
	rules := v.Rules[intent.Symbol]

	if intent.TargetPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: symbol=%s price=%s", core.ErrInvalidPrice, intent.Symbol, intent.TargetPrice)
	}
	if rules.PriceTick.Cmp(decimal.Zero) > 0 {
		aligned := core.RoundDown(intent.TargetPrice, rules.PriceTick)
		if !aligned.Equal(intent.TargetPrice) {
			return fmt.Errorf("%w: symbol=%s price=%s tick=%s",
				core.ErrInvalidPrice, intent.Symbol, intent.TargetPrice, rules.PriceTick)
		}
	}
	if band, ok := v.Bands[intent.Symbol]; ok {
		if intent.TargetPrice.Cmp(band.Min) < 0 || intent.TargetPrice.Cmp(band.Max) > 0 {
			return fmt.Errorf("%w: symbol=%s price=%s band_min=%s band_max=%s",
				core.ErrInvalidPrice, intent.Symbol, intent.TargetPrice, band.Min, band.Max)
		}
	}

	if intent.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: symbol=%s qty=%s", core.ErrBelowExchangeMinimum, intent.Symbol, intent.Qty)
	}
	if rules.MinQty.Cmp(decimal.Zero) > 0 && intent.Qty.Cmp(rules.MinQty) < 0 {
		return fmt.Errorf("%w: symbol=%s qty=%s min_qty=%s",
			core.ErrBelowExchangeMinimum, intent.Symbol, intent.Qty, rules.MinQty)
	}
	notional := intent.TargetPrice.Mul(intent.Qty)
	if rules.MinNotional.Cmp(decimal.Zero) > 0 && notional.Cmp(rules.MinNotional) < 0 {
		return fmt.Errorf("%w: symbol=%s notional=%s min_notional=%s",
			core.ErrBelowExchangeMinimum, intent.Symbol, notional, rules.MinNotional)
	}

	assets, ok := v.Assets[intent.Symbol]
	if !ok {
		return fmt.Errorf("%w: symbol=%s no pair assets configured", core.ErrInvalidPrice, intent.Symbol)
	}
	factor := decimal.NewFromInt(1).Add(v.Margin)
	switch intent.Side {
	case core.Buy:
		required := notional.Mul(factor)
		available := snapshot.Available(assets.Quote)
		if available.Cmp(required) < 0 {
			return fmt.Errorf("%w: symbol=%s asset=%s required=%s available=%s",
				core.ErrInsufficientBalance, intent.Symbol, assets.Quote, required, available)
		}
	case core.Sell:
		required := intent.Qty.Mul(factor)
		available := snapshot.Available(assets.Base)
		if available.Cmp(required) < 0 {
			return fmt.Errorf("%w: symbol=%s asset=%s required=%s available=%s",
				core.ErrInsufficientBalance, intent.Symbol, assets.Base, required, available)
		}
	default:
		return fmt.Errorf("%w: symbol=%s unknown side %q", core.ErrInvalidPrice, intent.Symbol, intent.Side)
	}
	return nil
}
