package core

import "errors"

// Validation errors: local, non-retryable, terminal REJECTED.
var (
	// ErrInsufficientBalance indicates the balance snapshot cannot cover the order.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBelowExchangeMinimum indicates qty or notional is below the exchange minimum.
	ErrBelowExchangeMinimum = errors.New("below exchange minimum")
	// ErrInvalidPrice indicates a non-positive price or a price outside the configured band.
	ErrInvalidPrice = errors.New("invalid price")
)

// Exchange errors.
var (
	// ErrOrderNotFound indicates the exchange has no record of the order id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the exchange refused the order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrRateLimited indicates the exchange asked callers to back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrExchangeUnavailable indicates a network failure or exchange-side 5xx.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
)

// IsTransient reports whether err is worth retrying: network/5xx trouble and
// rate-limit backoff. Validation failures and permanent exchange rejections
// are never transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExchangeUnavailable) || errors.Is(err, ErrRateLimited)
}

// IsValidation reports whether err is one of the local validation rejections.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrBelowExchangeMinimum) ||
		errors.Is(err, ErrInvalidPrice)
}
