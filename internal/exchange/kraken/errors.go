package kraken

import (
	"errors"
	"strings"

	"limit-trading/internal/core"
)

// APIError carries the raw error strings from a Kraken response envelope.
type APIError struct {
	Errors []string
}

func (e APIError) Error() string {
	return "kraken api error: " + strings.Join(e.Errors, "; ")
}

// Kraken error strings use a severity prefix (E = error, W = warning) and a
// category, e.g. "EOrder:Insufficient funds". Classification maps each string
// onto the core sentinels so callers retry only what is worth retrying.
var apiErrorKinds = map[string]error{
	"EAPI:Rate limit exceeded":     core.ErrRateLimited,
	"EOrder:Rate limit exceeded":   core.ErrRateLimited,
	"EGeneral:Temporary lockout":   core.ErrRateLimited,
	"EService:Unavailable":         core.ErrExchangeUnavailable,
	"EService:Busy":                core.ErrExchangeUnavailable,
	"EGeneral:Internal error":      core.ErrExchangeUnavailable,
	"EOrder:Insufficient funds":    core.ErrInsufficientBalance,
	"EOrder:Unknown order":         core.ErrOrderNotFound,
	"EQuery:Unknown order":         core.ErrOrderNotFound,
	"EOrder:Invalid price":         core.ErrInvalidPrice,
	"EOrder:Order minimum not met": core.ErrBelowExchangeMinimum,
}

func classifyAPIError(apiErr APIError) error {
	kinds := make([]error, 0, 2)
	for _, raw := range apiErr.Errors {
		msg := strings.TrimSpace(raw)
		if kind, ok := apiErrorKinds[msg]; ok {
			kinds = appendErrorKind(kinds, kind)
			continue
		}
		if strings.HasPrefix(msg, "EOrder:") {
			kinds = appendErrorKind(kinds, core.ErrOrderRejected)
		}
	}
	if len(kinds) == 0 {
		return apiErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func appendErrorKind(kinds []error, kind error) []error {
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
