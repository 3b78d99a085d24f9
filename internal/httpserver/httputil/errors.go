package httputil

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mheaton/tollgate/internal/apierror"
)

// WriteError standardizes JSON error responses across the public API.
func WriteError(c *fiber.Ctx, status int, code, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	body := fiber.Map{"message": msg}
	if code != "" {
		body["code"] = code
	}
	return c.Status(status).JSON(fiber.Map{"error": body})
}

// WriteDomainError maps a domain error onto the public taxonomy and writes
// it. Rate-limit rejections additionally carry a Retry-After header.
func WriteDomainError(c *fiber.Ctx, err error) error {
	apiErr := apierror.FromDomain(err)
	if apiErr.Status == fiber.StatusTooManyRequests {
		if retryAfter := apierror.RetryAfter(err); retryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		}
	}
	return WriteError(c, apiErr.Status, apiErr.Code, apiErr.Message)
}
