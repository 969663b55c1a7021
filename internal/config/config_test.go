package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"limit-trading/internal/core"
)

const validYAML = `
mode: live
exchange:
  api_key: key
  api_secret: c2VjcmV0
targets:
  - symbol: XXBTZUSD
    ws_symbol: BTC/USD
    base_asset: XXBT
    quote_asset: ZUSD
    side: buy
    qty: "0.01"
    price: "50000"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeLive {
		t.Fatalf("mode = %s, want live", cfg.Mode)
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
	if cfg.IdempotencyWindowSec != 3600 {
		t.Fatalf("idempotency_window_sec = %d, want 3600", cfg.IdempotencyWindowSec)
	}
	if cfg.Exchange.RestBaseURL != "https://api.kraken.com" {
		t.Fatalf("rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.WSBaseURL != "wss://ws.kraken.com/v2" {
		t.Fatalf("ws_base_url = %q", cfg.Exchange.WSBaseURL)
	}
	if cfg.Exchange.RateLimit.Budget != 15 || cfg.Exchange.RateLimit.RefillIntervalMs != 3000 {
		t.Fatalf("rate limit defaults = %+v", cfg.Exchange.RateLimit)
	}
	if cfg.Exchange.Retry.MaxAttempts != 3 || cfg.Exchange.Retry.BackoffBaseMs != 1000 {
		t.Fatalf("retry defaults = %+v", cfg.Exchange.Retry)
	}
	if cfg.Lifecycle.PollIntervalSec != 30 || cfg.Lifecycle.MaxSubmitAttempts != 3 || cfg.Lifecycle.MaxPollFailures != 5 {
		t.Fatalf("lifecycle defaults = %+v", cfg.Lifecycle)
	}
	if cfg.State.Dir != "state" {
		t.Fatalf("state dir = %q", cfg.State.Dir)
	}
}

func TestLoadNormalizesTarget(t *testing.T) {
	cfg, err := Load(writeConfig(t, strings.Replace(validYAML, "symbol: XXBTZUSD", "symbol: xxbtzusd", 1)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	target := cfg.Targets[0]
	if target.Symbol != "XXBTZUSD" {
		t.Fatalf("symbol = %q, want upper-cased", target.Symbol)
	}
	if target.CoreSide() != core.Buy {
		t.Fatalf("side = %s, want BUY", target.CoreSide())
	}
	if !target.Qty.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("qty = %s", target.Qty)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := Load(writeConfig(t, validYAML+"\nbogus_field: 1\n")); err == nil {
		t.Fatalf("unknown field should be rejected")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "paper" }},
		{"no targets", func(c *Config) { c.Targets = nil }},
		{"missing keys", func(c *Config) { c.Exchange.APIKey = "" }},
		{"bad side", func(c *Config) { c.Targets[0].Side = "short" }},
		{"zero qty", func(c *Config) { c.Targets[0].Qty = Decimal{decimal.Zero} }},
		{"no price source", func(c *Config) { c.Targets[0].Price = nil }},
		{"both price sources", func(c *Config) {
			c.Targets[0].SMA = &SMAConfig{IntervalMin: 60, Length: 20}
		}},
		{"missing assets", func(c *Config) { c.Targets[0].BaseAsset = "" }},
		{"negative margin", func(c *Config) {
			c.Validation.SafetyMargin = Decimal{decimal.NewFromInt(-1)}
		}},
		{"inverted band", func(c *Config) {
			c.Targets[0].PriceBand = &BandConfig{
				Min: Decimal{decimal.NewFromInt(100)},
				Max: Decimal{decimal.NewFromInt(50)},
			}
		}},
		{"poll interval too small", func(c *Config) { c.Lifecycle.PollIntervalSec = 1 }},
		{"telegram enabled without token", func(c *Config) {
			c.Observability.Telegram.Enabled = true
			c.Observability.Telegram.ChatID = "42"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validYAML))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() should fail")
			}
		})
	}
}

func TestLoadSMATarget(t *testing.T) {
	body := `
mode: dry_run
exchange:
  api_key: key
  api_secret: c2VjcmV0
targets:
  - symbol: XXBTZUSD
    base_asset: XXBT
    quote_asset: ZUSD
    side: buy
    qty: "0.01"
    sma:
      interval_min: 60
      length: 20
      depeg_pct: "1.5"
    max_deviation_pct: "5"
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	target := cfg.Targets[0]
	if target.SMA == nil || target.SMA.Length != 20 {
		t.Fatalf("sma not parsed: %+v", target.SMA)
	}
	if !target.SMA.DepegPct.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("depeg_pct = %s", target.SMA.DepegPct)
	}
	if target.MaxDeviationPct == nil || !target.MaxDeviationPct.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("max_deviation_pct = %v", target.MaxDeviationPct)
	}
}
