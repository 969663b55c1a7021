package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus is the exchange-reported status of an order.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// EntryState is the local lifecycle state of a ledger entry.
type EntryState string

const (
	EntryPending   EntryState = "PENDING"
	EntrySubmitted EntryState = "SUBMITTED"
	EntryFilled    EntryState = "FILLED"
	EntryCancelled EntryState = "CANCELLED"
	EntryRejected  EntryState = "REJECTED"
	EntryFailed    EntryState = "FAILED"
)

func (s EntryState) Terminal() bool {
	switch s {
	case EntryFilled, EntryCancelled, EntryRejected:
		return true
	}
	return false
}

// entryEdges are the only legal state transitions. FAILED -> PENDING is the
// bounded submission-retry path; everything else moves forward only.
var entryEdges = map[EntryState][]EntryState{
	EntryPending:   {EntrySubmitted, EntryRejected, EntryFailed},
	EntrySubmitted: {EntryFilled, EntryCancelled, EntryFailed},
	EntryFailed:    {EntryPending},
}

func CanTransition(from, to EntryState) bool {
	for _, next := range entryEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderIntent is an immutable request to place one limit order. Token is the
// idempotency key; re-deriving the same target within one window yields the
// same token.
type OrderIntent struct {
	Token       string          `json:"token"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Qty         decimal.Decimal `json:"qty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LedgerEntry is the durable record of one intent's lifecycle. Mutated only
// through the lifecycle manager's transition calls.
type LedgerEntry struct {
	Token           string      `json:"token"`
	Intent          OrderIntent `json:"intent"`
	State           EntryState  `json:"state"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	LastCheckedAt   time.Time   `json:"last_checked_at,omitempty"`
	SubmitAttempts  int         `json:"submit_attempts"`
	PollFailures    int         `json:"poll_failures"`
	Retryable       bool        `json:"retryable,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
}

// BalanceSnapshot maps asset code to available amount. Fetched fresh before
// each validation decision and never reused across intents.
type BalanceSnapshot map[string]decimal.Decimal

func (b BalanceSnapshot) Available(asset string) decimal.Decimal {
	if b == nil {
		return decimal.Zero
	}
	if amount, ok := b[asset]; ok {
		return amount
	}
	return decimal.Zero
}

// Rules are the exchange-declared trading minimums for one pair.
type Rules struct {
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	PriceTick   decimal.Decimal `json:"price_tick"`
	QtyStep     decimal.Decimal `json:"qty_step"`
}

// PairAssets names the base and quote asset of a trading pair, as balance
// keys. Kraken pair codes do not split mechanically, so these come from
// config.
type PairAssets struct {
	Base  string
	Quote string
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}
