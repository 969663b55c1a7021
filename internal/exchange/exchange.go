package exchange

import (
	"context"

	"limit-trading/internal/core"
)

// Exchange is the narrow contract the lifecycle manager consumes. The wire
// protocol behind it is not this package's concern; implementations wrap a
// concrete venue and fakes stand in for tests.
type Exchange interface {
	Name() string
	GetRules(ctx context.Context, pair string) (core.Rules, error)
	PlaceOrder(ctx context.Context, intent core.OrderIntent) (string, error)
	OrderStatus(ctx context.Context, orderID string) (core.OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	Balances(ctx context.Context) (core.BalanceSnapshot, error)
}
