package dispatcher

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/openai/openai-go/v3"
)

// statusCoder is implemented by upstream error types that know their HTTP
// status.
type statusCoder interface {
	HTTPStatus() int
}

// retryable reports whether a failure is worth trying on the next candidate.
// Timeouts, transport errors, and upstream 5xx/429 advance the fallback
// chain; any other 4xx means the request itself is bad and retrying another
// provider would just fail again.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return retryableStatus(sc.HTTPStatus())
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return retryableStatus(oaiErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Unclassified failures are treated as transient.
	return true
}

func retryableStatus(status int) bool {
	switch {
	case status >= http.StatusInternalServerError:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}
