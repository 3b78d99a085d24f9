package apierror

import (
	"errors"
	"math"

	"github.com/gofiber/fiber/v2"

	"github.com/mheaton/tollgate/internal/ledger"
	"github.com/mheaton/tollgate/internal/limits"
	"github.com/mheaton/tollgate/internal/registry"
)

// Error ties an HTTP status and a stable machine-readable code to a message,
// so handlers can map failures straight onto OpenAI-compatible responses.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func New(status int, code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

// As extracts the status, code, and message when err carries them.
func As(err error) (int, string, string, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status, apiErr.Code, apiErr.Message, true
	}
	return 0, "", "", false
}

// RetryAfter returns the whole-second retry hint carried by a rate-limit
// rejection, or 0 when err has none.
func RetryAfter(err error) int {
	var limitErr *limits.LimitError
	if !errors.As(err, &limitErr) || limitErr.RetryAfter <= 0 {
		return 0
	}
	secs := int(math.Ceil(limitErr.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// FromDomain maps domain sentinels onto the public error taxonomy. Unmapped
// errors come back as opaque 500s so internals never leak to clients.
func FromDomain(err error) *Error {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return New(fiber.StatusPaymentRequired, "insufficient_credit", "account balance is too low for this request")
	case errors.Is(err, limits.ErrLimitExceeded):
		return New(fiber.StatusTooManyRequests, "rate_limit_exceeded", err.Error())
	case errors.Is(err, registry.ErrUnknownModel):
		return New(fiber.StatusNotFound, "model_not_found", err.Error())
	case errors.Is(err, registry.ErrProviderUnavailable):
		return New(fiber.StatusNotFound, "provider_unavailable", err.Error())
	default:
		return New(fiber.StatusInternalServerError, "internal_error", "internal server error")
	}
}
