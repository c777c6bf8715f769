package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"ledgerbot/internal/core"
	"ledgerbot/internal/ledger"
)

// StaleWarning accompanies results computed from a mirror that could not
// be refreshed.
const StaleWarning = "data may be incomplete: the store could not be refreshed"

// UserMessage maps an error onto the short text shown to the user.
func UserMessage(err error) string {
	var verr *core.ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, core.ErrNotFound):
		return "entry not found"
	case errors.Is(err, core.ErrQuotaExhausted):
		return "rate limit: will retry automatically"
	case errors.Is(err, core.ErrTransientStore), errors.Is(err, context.DeadlineExceeded):
		return "store unavailable: try again later"
	case errors.Is(err, ledger.ErrNotLoaded):
		return "ledger is still loading: try again shortly"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}
	return "something went wrong"
}

// BalanceIndicator is the one-line verdict printed under a balance.
func BalanceIndicator(balance decimal.Decimal) string {
	switch balance.Sign() {
	case 1:
		return "You're in the green! Keep it up!"
	case -1:
		return "You're spending more than you earn."
	}
	return "Your budget is perfectly balanced."
}
