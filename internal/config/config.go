package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"limit-trading/internal/core"
)

type Mode string

const (
	// ModeDryRun validates orders against the exchange without booking them.
	ModeDryRun Mode = "dry_run"
	ModeLive   Mode = "live"
)

type Config struct {
	Mode                 Mode                 `yaml:"mode"`
	InstanceID           string               `yaml:"instance_id"`
	IdempotencyWindowSec int64                `yaml:"idempotency_window_sec"`
	Targets              []TargetConfig       `yaml:"targets"`
	Validation           ValidationConfig     `yaml:"validation"`
	Exchange             ExchangeConfig       `yaml:"exchange"`
	Lifecycle            LifecycleConfig      `yaml:"lifecycle"`
	State                StateConfig          `yaml:"state"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability        ObservabilityConfig  `yaml:"observability"`
}

type TargetConfig struct {
	Symbol          string      `yaml:"symbol"`
	WSSymbol        string      `yaml:"ws_symbol"`
	BaseAsset       string      `yaml:"base_asset"`
	QuoteAsset      string      `yaml:"quote_asset"`
	Side            string      `yaml:"side"`
	Qty             Decimal     `yaml:"qty"`
	Price           *Decimal    `yaml:"price"`
	SMA             *SMAConfig  `yaml:"sma"`
	PriceBand       *BandConfig `yaml:"price_band"`
	MaxDeviationPct *Decimal    `yaml:"max_deviation_pct"`
}

type SMAConfig struct {
	IntervalMin int     `yaml:"interval_min"`
	Length      int     `yaml:"length"`
	DepegPct    Decimal `yaml:"depeg_pct"`
}

type BandConfig struct {
	Min Decimal `yaml:"min"`
	Max Decimal `yaml:"max"`
}

type ValidationConfig struct {
	SafetyMargin Decimal `yaml:"safety_margin"`
}

type ExchangeConfig struct {
	APIKey         string          `yaml:"api_key"`
	APISecret      string          `yaml:"api_secret"`
	RestBaseURL    string          `yaml:"rest_base_url"`
	WSBaseURL      string          `yaml:"ws_base_url"`
	HTTPTimeoutSec int64           `yaml:"http_timeout_sec"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Retry          RetryConfig     `yaml:"retry"`
}

type RateLimitConfig struct {
	Budget           int   `yaml:"budget"`
	RefillIntervalMs int64 `yaml:"refill_interval_ms"`
}

type RetryConfig struct {
	MaxAttempts   int   `yaml:"max_attempts"`
	BackoffBaseMs int64 `yaml:"backoff_base_ms"`
}

type LifecycleConfig struct {
	PollIntervalSec     int64 `yaml:"poll_interval_sec"`
	EvaluateIntervalSec int64 `yaml:"evaluate_interval_sec"`
	MaxSubmitAttempts   int   `yaml:"max_submit_attempts"`
	MaxPollFailures     int   `yaml:"max_poll_failures"`
	CancelOnExit        bool  `yaml:"cancel_on_exit"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPlaceFailures  int  `yaml:"max_place_failures"`
	MaxCancelFailures int  `yaml:"max_cancel_failures"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	for i := range c.Targets {
		t := &c.Targets[i]
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		t.WSSymbol = strings.ToUpper(strings.TrimSpace(t.WSSymbol))
		t.BaseAsset = strings.ToUpper(strings.TrimSpace(t.BaseAsset))
		t.QuoteAsset = strings.ToUpper(strings.TrimSpace(t.QuoteAsset))
		t.Side = strings.ToLower(strings.TrimSpace(t.Side))
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDryRun
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.IdempotencyWindowSec == 0 {
		c.IdempotencyWindowSec = 3600
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.kraken.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://ws.kraken.com/v2"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RateLimit.Budget == 0 {
		c.Exchange.RateLimit.Budget = 15
	}
	if c.Exchange.RateLimit.RefillIntervalMs == 0 {
		c.Exchange.RateLimit.RefillIntervalMs = 3000
	}
	if c.Exchange.Retry.MaxAttempts == 0 {
		c.Exchange.Retry.MaxAttempts = 3
	}
	if c.Exchange.Retry.BackoffBaseMs == 0 {
		c.Exchange.Retry.BackoffBaseMs = 1000
	}
	if c.Lifecycle.PollIntervalSec == 0 {
		c.Lifecycle.PollIntervalSec = 30
	}
	if c.Lifecycle.EvaluateIntervalSec == 0 {
		c.Lifecycle.EvaluateIntervalSec = 60
	}
	if c.Lifecycle.MaxSubmitAttempts == 0 {
		c.Lifecycle.MaxSubmitAttempts = 3
	}
	if c.Lifecycle.MaxPollFailures == 0 {
		c.Lifecycle.MaxPollFailures = 5
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeDryRun, ModeLive:
	default:
		return fmt.Errorf("mode must be dry_run or live")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.IdempotencyWindowSec < 60 || c.IdempotencyWindowSec > 86400 {
		return fmt.Errorf("idempotency_window_sec must be between 60 and 86400")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for i, t := range c.Targets {
		if err := t.validate(); err != nil {
			return fmt.Errorf("targets[%d]: %v", i, err)
		}
	}
	if c.Validation.SafetyMargin.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("validation.safety_margin must be >= 0")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RateLimit.Budget < 1 || c.Exchange.RateLimit.Budget > 1000 {
		return fmt.Errorf("exchange rate_limit.budget must be between 1 and 1000")
	}
	if c.Exchange.RateLimit.RefillIntervalMs < 100 || c.Exchange.RateLimit.RefillIntervalMs > 600000 {
		return fmt.Errorf("exchange rate_limit.refill_interval_ms must be between 100 and 600000")
	}
	if c.Exchange.Retry.MaxAttempts < 1 || c.Exchange.Retry.MaxAttempts > 10 {
		return fmt.Errorf("exchange retry.max_attempts must be between 1 and 10")
	}
	if c.Exchange.Retry.BackoffBaseMs < 100 || c.Exchange.Retry.BackoffBaseMs > 60000 {
		return fmt.Errorf("exchange retry.backoff_base_ms must be between 100 and 60000")
	}
	if c.Lifecycle.PollIntervalSec < 5 || c.Lifecycle.PollIntervalSec > 3600 {
		return fmt.Errorf("lifecycle.poll_interval_sec must be between 5 and 3600")
	}
	if c.Lifecycle.EvaluateIntervalSec < 5 || c.Lifecycle.EvaluateIntervalSec > 86400 {
		return fmt.Errorf("lifecycle.evaluate_interval_sec must be between 5 and 86400")
	}
	if c.Lifecycle.MaxSubmitAttempts < 1 || c.Lifecycle.MaxSubmitAttempts > 20 {
		return fmt.Errorf("lifecycle.max_submit_attempts must be between 1 and 20")
	}
	if c.Lifecycle.MaxPollFailures < 1 || c.Lifecycle.MaxPollFailures > 100 {
		return fmt.Errorf("lifecycle.max_poll_failures must be between 1 and 100")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state dir is required")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func (t TargetConfig) validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if t.BaseAsset == "" || t.QuoteAsset == "" {
		return fmt.Errorf("base_asset and quote_asset are required")
	}
	if t.Side != "buy" && t.Side != "sell" {
		return fmt.Errorf("side must be buy or sell")
	}
	if t.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("qty must be > 0")
	}
	if t.Price == nil && t.SMA == nil {
		return fmt.Errorf("either price or sma is required")
	}
	if t.Price != nil && t.SMA != nil {
		return fmt.Errorf("price and sma are mutually exclusive")
	}
	if t.Price != nil && t.Price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("price must be > 0")
	}
	if t.SMA != nil {
		if t.SMA.IntervalMin < 1 {
			return fmt.Errorf("sma.interval_min must be >= 1")
		}
		if t.SMA.Length < 2 {
			return fmt.Errorf("sma.length must be >= 2")
		}
		if t.SMA.DepegPct.Cmp(decimal.Zero) < 0 || t.SMA.DepegPct.Cmp(decimal.NewFromInt(100)) >= 0 {
			return fmt.Errorf("sma.depeg_pct must be in [0, 100)")
		}
	}
	if t.PriceBand != nil {
		if t.PriceBand.Min.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("price_band.min must be > 0")
		}
		if t.PriceBand.Max.Cmp(t.PriceBand.Min.Decimal) <= 0 {
			return fmt.Errorf("price_band.max must be > price_band.min")
		}
	}
	if t.MaxDeviationPct != nil && t.MaxDeviationPct.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("max_deviation_pct must be > 0")
	}
	return nil
}

// CoreSide maps the lowercase config side onto the core enum.
func (t TargetConfig) CoreSide() core.Side {
	if t.Side == "sell" {
		return core.Sell
	}
	return core.Buy
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
