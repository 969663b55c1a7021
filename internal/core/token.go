package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultIdempotencyWindow = time.Hour

// IntentToken derives the deterministic idempotency token for a price target.
// Two evaluations of the same (symbol, side, price, qty) inside one window
// bucket produce the same token, so the ledger sees one intent, not two.
func IntentToken(symbol string, side Side, price, qty decimal.Decimal, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	bucket := at.UTC().Unix() / int64(window/time.Second)
	payload := strings.Join([]string{
		symbol,
		string(side),
		price.String(),
		qty.String(),
		strconv.FormatInt(bucket, 10),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])[:32]
}

// NewIntent builds an immutable intent with its token derived from the target
// fields and the creation time's window bucket.
func NewIntent(symbol string, side Side, price, qty decimal.Decimal, at time.Time, window time.Duration) OrderIntent {
	return OrderIntent{
		Token:       IntentToken(symbol, side, price, qty, at, window),
		Symbol:      symbol,
		Side:        side,
		TargetPrice: price,
		Qty:         qty,
		CreatedAt:   at.UTC(),
	}
}
