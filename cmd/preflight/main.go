// Command preflight verifies exchange connectivity, credentials, and pair
// configuration before the bot is started for real. All order checks run with
// validate-only submissions; nothing books.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"limit-trading/internal/config"
	"limit-trading/internal/core"
	"limit-trading/internal/exchange/kraken"
	"limit-trading/internal/indicator"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Checks     []checkResult `json:"checks"`
}

func main() {
	var (
		configPath     string
		timeoutSec     int
		outJSONPath    string
		validateOrders bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&validateOrders, "validate-orders", false, "submit validate-only orders per target")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := kraken.NewClient(cfg.Exchange)
	if err != nil {
		fatal(err.Error())
	}
	// Preflight never books an order regardless of configured mode.
	client.SetValidateOnly(true)

	r := report{StartedAt: time.Now().UTC(), Mode: cfg.Mode}
	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		} else {
			cr.Status = statusPass
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if detail != "" {
				fmt.Printf(" - %s", detail)
			}
			fmt.Println()
		}
		r.Checks = append(r.Checks, cr)
	}

	run("server_time", func() (string, error) {
		serverTime, err := client.ServerTime(ctx)
		if err != nil {
			return "", err
		}
		skew := time.Since(serverTime).Round(time.Second)
		return fmt.Sprintf("server=%s skew=%s", serverTime.Format(time.RFC3339), skew), nil
	})

	var balances core.BalanceSnapshot
	run("account_balances", func() (string, error) {
		var err error
		balances, err = client.Balances(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("assets=%d", len(balances)), nil
	})

	for _, target := range cfg.Targets {
		target := target
		run("pair_rules_"+strings.ToLower(target.Symbol), func() (string, error) {
			rules, err := client.GetRules(ctx, target.Symbol)
			if err != nil {
				return "", err
			}
			if target.Qty.Cmp(rules.MinQty) < 0 {
				return "", fmt.Errorf("configured qty %s below pair minimum %s", target.Qty, rules.MinQty)
			}
			return fmt.Sprintf("min_qty=%s min_notional=%s price_tick=%s",
				rules.MinQty, rules.MinNotional, rules.PriceTick), nil
		})

		if target.SMA != nil {
			run("ohlc_"+strings.ToLower(target.Symbol), func() (string, error) {
				closes, err := client.Closes(ctx, target.Symbol, target.SMA.IntervalMin)
				if err != nil {
					return "", err
				}
				avg, ready := indicator.SMA(closes, target.SMA.Length)
				if !ready {
					return "", fmt.Errorf("only %d closes available, need %d", len(closes), target.SMA.Length)
				}
				return fmt.Sprintf("closes=%d sma=%s", len(closes), avg.StringFixed(6)), nil
			})
		}

		if validateOrders {
			run("validate_order_"+strings.ToLower(target.Symbol), func() (string, error) {
				price, err := targetPrice(ctx, client, target)
				if err != nil {
					return "", err
				}
				intent := core.NewIntent(target.Symbol, target.CoreSide(), price, target.Qty.Decimal,
					time.Now().UTC(), time.Hour)
				if _, err := client.PlaceOrder(ctx, intent); err != nil {
					return "", err
				}
				return fmt.Sprintf("side=%s price=%s qty=%s accepted_by_validate", target.Side, price, target.Qty), nil
			})
		}
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func targetPrice(ctx context.Context, client *kraken.Client, target config.TargetConfig) (decimal.Decimal, error) {
	if target.Price != nil {
		return target.Price.Decimal, nil
	}
	if target.SMA == nil {
		return decimal.Zero, errors.New("target has neither price nor sma")
	}
	closes, err := client.Closes(ctx, target.Symbol, target.SMA.IntervalMin)
	if err != nil {
		return decimal.Zero, err
	}
	avg, ready := indicator.SMA(closes, target.SMA.Length)
	if !ready {
		return decimal.Zero, fmt.Errorf("only %d closes available, need %d", len(closes), target.SMA.Length)
	}
	factor := decimal.NewFromInt(1).Sub(target.SMA.DepegPct.Div(decimal.NewFromInt(100)))
	return avg.Mul(factor), nil
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary mode=%s pass=%d fail=%d duration=%s\n",
		r.Mode, pass, fail, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
