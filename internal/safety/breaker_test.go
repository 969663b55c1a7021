package safety

import (
	"context"
	"errors"
	"testing"

	"limit-trading/internal/core"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(true, 3, 3)
	boom := errors.New("boom")

	if err := b.RecordPlace(boom); err != nil {
		t.Fatalf("failure 1 tripped early: %v", err)
	}
	if err := b.RecordPlace(boom); err != nil {
		t.Fatalf("failure 2 tripped early: %v", err)
	}
	err := b.RecordPlace(boom)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("failure 3: error = %v, want ErrCircuitOpen", err)
	}
	// Further failures keep returning the open error.
	if err := b.RecordPlace(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("post-trip: error = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerRecoversOnSuccess(t *testing.T) {
	b := NewBreaker(true, 2, 2)
	boom := errors.New("boom")

	_ = b.RecordPlace(boom)
	if err := b.RecordPlace(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("trip: error = %v", err)
	}
	if err := b.RecordPlace(nil); err != nil {
		t.Fatalf("success after trip: %v", err)
	}
	if err := b.RecordPlace(boom); err != nil {
		t.Fatalf("first failure after recovery tripped: %v", err)
	}
}

func TestBreakerDisabledPassesThrough(t *testing.T) {
	b := NewBreaker(false, 1, 1)
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		if err := b.RecordPlace(boom); err != nil {
			t.Fatalf("disabled breaker returned %v", err)
		}
	}
}

func TestCircuitsAreIndependent(t *testing.T) {
	b := NewBreaker(true, 1, 1)
	boom := errors.New("boom")
	if err := b.RecordPlace(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("place trip: %v", err)
	}
	if err := b.RecordCancel(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("cancel trip: %v", err)
	}
	if err := b.RecordCancel(nil); err != nil {
		t.Fatalf("cancel recovery: %v", err)
	}
	if err := b.RecordPlace(boom); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("place circuit closed by cancel recovery")
	}
}

type trippableExecutor struct {
	placeErr error
}

func (f *trippableExecutor) PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error) {
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return "ORDER-1", nil
}

func (f *trippableExecutor) OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error) {
	return core.StatusOpen, nil
}

func (f *trippableExecutor) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *trippableExecutor) Balances(ctx context.Context) (core.BalanceSnapshot, error) {
	return core.BalanceSnapshot{}, nil
}

func TestGuardedExecutorFeedsBreaker(t *testing.T) {
	inner := &trippableExecutor{placeErr: errors.New("boom")}
	b := NewBreaker(true, 2, 2)
	guarded := NewGuardedExecutor(inner, b)
	ctx := context.Background()

	if _, err := guarded.PlaceOrder(ctx, core.OrderIntent{}); errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("first failure tripped: %v", err)
	}
	if _, err := guarded.PlaceOrder(ctx, core.OrderIntent{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("second failure did not trip")
	}

	inner.placeErr = nil
	if _, err := guarded.PlaceOrder(ctx, core.OrderIntent{}); err != nil {
		t.Fatalf("success after trip: %v", err)
	}
}
