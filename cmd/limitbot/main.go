package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"limit-trading/internal/alert"
	"limit-trading/internal/config"
	"limit-trading/internal/core"
	"limit-trading/internal/exchange"
	"limit-trading/internal/exchange/kraken"
	"limit-trading/internal/ledger"
	"limit-trading/internal/lifecycle"
	"limit-trading/internal/safety"
	"limit-trading/internal/strategy"
	"limit-trading/internal/validate"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.InstanceID)
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	book, err := ledger.Open(stateDir)
	if err != nil {
		fatal(err.Error())
	}
	lock, err := ledger.AcquireLock(stateDir, ledger.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release ledger lock failed: %v\n", relErr)
		}
	}()

	client, err := kraken.NewClient(cfg.Exchange)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeDryRun {
		client.SetValidateOnly(true)
	}

	bucket := exchange.NewBucket(
		cfg.Exchange.RateLimit.Budget,
		time.Duration(cfg.Exchange.RateLimit.RefillIntervalMs)*time.Millisecond,
	)
	limited := exchange.NewLimited(client, bucket, exchange.RetryPolicy{
		MaxAttempts: cfg.Exchange.Retry.MaxAttempts,
		BackoffBase: time.Duration(cfg.Exchange.Retry.BackoffBaseMs) * time.Millisecond,
	})

	window := time.Duration(cfg.IdempotencyWindowSec) * time.Second
	validator := validate.New(cfg.Validation.SafetyMargin.Decimal)
	evaluator := strategy.NewEvaluator(cfg.Targets, client, window)
	for _, target := range cfg.Targets {
		rules, err := limited.GetRules(ctx, target.Symbol)
		if err != nil {
			fatal(fmt.Sprintf("fetch rules for %s: %v", target.Symbol, err))
		}
		validator.SetPair(target.Symbol, core.PairAssets{
			Base:  target.BaseAsset,
			Quote: target.QuoteAsset,
		}, rules)
		if band := target.PriceBand; band != nil {
			validator.SetBand(target.Symbol, band.Min.Decimal, band.Max.Decimal)
		}
		evaluator.Rules[target.Symbol] = rules
		log.Printf("level=INFO event=pair_rules symbol=%s min_qty=%s min_notional=%s price_tick=%s",
			target.Symbol, rules.MinQty, rules.MinNotional, rules.PriceTick)
	}

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
	)
	breaker.SetAlerter(alerts)

	manager := &lifecycle.Manager{
		Exchange:          safety.NewGuardedExecutor(limited, breaker),
		Ledger:            book,
		Validate:          validator,
		Source:            evaluator,
		Alerts:            alerts,
		EvaluateEvery:     time.Duration(cfg.Lifecycle.EvaluateIntervalSec) * time.Second,
		PollEvery:         time.Duration(cfg.Lifecycle.PollIntervalSec) * time.Second,
		MaxSubmitAttempts: cfg.Lifecycle.MaxSubmitAttempts,
		MaxPollFailures:   cfg.Lifecycle.MaxPollFailures,
		DryRun:            cfg.Mode == config.ModeDryRun,
		CancelOnExit:      cfg.Lifecycle.CancelOnExit,
	}

	go runTickerFeed(ctx, client, cfg.Targets, evaluator)

	log.Printf("level=INFO event=startup mode=%s instance=%s targets=%d state_dir=%q",
		cfg.Mode, cfg.InstanceID, len(cfg.Targets), stateDir)
	if err := manager.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if alerts != nil {
			alerts.Important("manager_stopped", map[string]string{"reason": err.Error()})
		}
		fatal(err.Error())
	}
}

// runTickerFeed keeps a websocket ticker subscription alive for targets that
// use the deviation guard and forwards last-trade prices to the evaluator.
// The feed is advisory; losing it only disables the guard until reconnect.
func runTickerFeed(ctx context.Context, client *kraken.Client, targets []config.TargetConfig, evaluator *strategy.Evaluator) {
	wsToSymbol := make(map[string]string)
	wsSymbols := make([]string, 0)
	for _, target := range targets {
		if target.MaxDeviationPct == nil || target.WSSymbol == "" {
			continue
		}
		if _, seen := wsToSymbol[target.WSSymbol]; seen {
			continue
		}
		wsToSymbol[target.WSSymbol] = target.Symbol
		wsSymbols = append(wsSymbols, target.WSSymbol)
	}
	if len(wsSymbols) == 0 {
		return
	}

	backoff := time.Second
	for ctx.Err() == nil {
		stream, err := client.DialTicker(ctx, wsSymbols, 30*time.Second)
		if err != nil {
			log.Printf("level=WARN event=ticker_dial_failed err=%q backoff=%s", err.Error(), backoff)
			if !sleepFor(ctx, backoff) {
				return
			}
			backoff = growBackoff(backoff)
			continue
		}
		backoff = time.Second
		updates, errs := stream.Prices(ctx)
	stream:
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					break stream
				}
				symbol, known := wsToSymbol[update.Symbol]
				if !known {
					continue
				}
				evaluator.SetLastPrice(symbol, update.Last)
			case err, ok := <-errs:
				if ok && err != nil {
					log.Printf("level=WARN event=ticker_stream_error err=%q", err.Error())
				}
				break stream
			case <-ctx.Done():
				_ = stream.Close()
				return
			}
		}
		_ = stream.Close()
		if !sleepFor(ctx, backoff) {
			return
		}
		backoff = growBackoff(backoff)
	}
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func growBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	return alert.NewManager(string(cfg.Mode), cfg.InstanceID, alert.NewTelegramNotifier(tg))
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
