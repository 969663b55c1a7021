package exchange

import (
	"context"
	"log"
	"sync"
	"time"

	"limit-trading/internal/core"
)

// Bucket is a token bucket shared by every exchange call. Acquire blocks
// cooperatively until a token is available or the context ends; callers never
// fire a request past the exchange budget.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	refill   time.Duration
	last     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBucket builds a bucket holding up to capacity tokens, regaining one
// token every refill interval. The bucket starts full.
func NewBucket(capacity int, refill time.Duration) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	b := &Bucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		refill:   refill,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	b.last = b.now()
	return b
}

func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.advance(b.now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) * float64(b.refill))
		b.mu.Unlock()
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (b *Bucket) advance(now time.Time) {
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) / float64(b.refill)
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryPolicy bounds automatic retries of transient failures. Permanent
// exchange rejections and validation failures are surfaced immediately.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// Limited decorates an Exchange with the shared token bucket and bounded
// exponential-backoff retry. Idempotency is not this layer's job; the ledger
// token above guarantees at most one order per intent.
type Limited struct {
	inner  Exchange
	bucket *Bucket
	retry  RetryPolicy

	sleep func(ctx context.Context, d time.Duration) error
}

func NewLimited(inner Exchange, bucket *Bucket, retry RetryPolicy) *Limited {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 3
	}
	if retry.BackoffBase <= 0 {
		retry.BackoffBase = time.Second
	}
	return &Limited{
		inner:  inner,
		bucket: bucket,
		retry:  retry,
		sleep:  sleepCtx,
	}
}

func (l *Limited) Name() string { return l.inner.Name() }

func (l *Limited) GetRules(ctx context.Context, pair string) (core.Rules, error) {
	var rules core.Rules
	err := l.do(ctx, "get_rules", func(ctx context.Context) error {
		var err error
		rules, err = l.inner.GetRules(ctx, pair)
		return err
	})
	return rules, err
}

func (l *Limited) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	var orderID string
	err := l.do(ctx, "place_order", func(ctx context.Context) error {
		var err error
		orderID, err = l.inner.PlaceOrder(ctx, intent)
		return err
	})
	return orderID, err
}

func (l *Limited) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	status := core.StatusUnknown
	err := l.do(ctx, "order_status", func(ctx context.Context) error {
		var err error
		status, err = l.inner.OrderStatus(ctx, orderID)
		return err
	})
	return status, err
}

func (l *Limited) CancelOrder(ctx context.Context, orderID string) error {
	return l.do(ctx, "cancel_order", func(ctx context.Context) error {
		return l.inner.CancelOrder(ctx, orderID)
	})
}

func (l *Limited) Balances(ctx context.Context) (core.BalanceSnapshot, error) {
	var snapshot core.BalanceSnapshot
	err := l.do(ctx, "balances", func(ctx context.Context) error {
		var err error
		snapshot, err = l.inner.Balances(ctx)
		return err
	})
	return snapshot, err
}

func (l *Limited) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	backoff := l.retry.BackoffBase
	for attempt := 1; ; attempt++ {
		if err := l.bucket.Acquire(ctx); err != nil {
			return err
		}
		err := call(ctx)
		if err == nil {
			return nil
		}
		if !core.IsTransient(err) || attempt >= l.retry.MaxAttempts {
			return err
		}
		log.Printf(
			"level=WARN event=exchange_call_retry op=%q attempt=%d max_attempts=%d backoff=%s err=%q",
			op,
			attempt,
			l.retry.MaxAttempts,
			backoff.String(),
			err.Error(),
		)
		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}
