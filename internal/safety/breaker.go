// Package safety stops the bot from hammering the exchange once order calls
// fail repeatedly. Each guarded action has its own failure circuit; a tripped
// circuit rejects further calls until a success on a later attempt closes it.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"limit-trading/internal/core"
	"limit-trading/internal/lifecycle"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuit struct {
	name        string
	maxFailures int
	failures    int
	open        bool
	openErr     error
}

type Breaker struct {
	enabled bool

	mu     sync.Mutex
	place  circuit
	cancel circuit

	alerter lifecycle.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxCancelFailures int) *Breaker {
	return &Breaker{
		enabled: enabled,
		place:   circuit{name: "place order", maxFailures: maxPlaceFailures},
		cancel:  circuit{name: "cancel order", maxFailures: maxCancelFailures},
	}
}

func (b *Breaker) SetAlerter(alerter lifecycle.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordCancel(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.cancel, err)
}

func (b *Breaker) record(c *circuit, err error) error {
	if !b.enabled || c.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	alerter := b.alerter

	if err == nil {
		prev := c.failures
		wasOpen := c.open
		c.failures = 0
		c.open = false
		c.openErr = nil
		b.mu.Unlock()
		if wasOpen || prev > 0 {
			log.Printf("level=INFO event=circuit_breaker_recovered action=%q previous_consecutive_failures=%d was_open=%v",
				c.name, prev, wasOpen)
			if wasOpen && alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"action":                        c.name,
					"previous_consecutive_failures": strconv.Itoa(prev),
				})
			}
		}
		return nil
	}

	if c.open {
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	if failures < limit {
		nearTrip := failures == limit-1
		b.mu.Unlock()
		if nearTrip {
			log.Printf("level=WARN event=circuit_breaker_near_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
				c.name, failures, limit, err.Error())
		}
		return nil
	}

	c.open = true
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, last error: %v",
		ErrCircuitOpen, c.name, failures, err)
	openErr := c.openErr
	b.mu.Unlock()
	log.Printf("level=ERROR event=circuit_breaker_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
		c.name, failures, limit, err.Error())
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               c.name,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(limit),
			"last_error":           err.Error(),
		})
	}
	return openErr
}

// GuardedExecutor wraps an executor so place and cancel failures feed the
// breaker. Status and balance reads pass through unguarded.
type GuardedExecutor struct {
	inner   lifecycle.Executor
	breaker *Breaker
}

func NewGuardedExecutor(inner lifecycle.Executor, breaker *Breaker) *GuardedExecutor {
	return &GuardedExecutor{inner: inner, breaker: breaker}
}

func (e *GuardedExecutor) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	orderID, err := e.inner.PlaceOrder(ctx, intent)
	if trip := e.breaker.RecordPlace(err); trip != nil {
		return orderID, trip
	}
	return orderID, err
}

func (e *GuardedExecutor) CancelOrder(ctx context.Context, orderID string) error {
	err := e.inner.CancelOrder(ctx, orderID)
	if trip := e.breaker.RecordCancel(err); trip != nil {
		return trip
	}
	return err
}

func (e *GuardedExecutor) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	return e.inner.OrderStatus(ctx, orderID)
}

func (e *GuardedExecutor) Balances(ctx context.Context) (core.BalanceSnapshot, error) {
	return e.inner.Balances(ctx)
}
