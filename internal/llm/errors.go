package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/youngjulesverne/rafael-chatbot/internal/httpkit"
)

// ProviderError is a non-2xx response from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying (timeouts,
// rate limits, upstream 5xx). Auth and malformed-request errors are not.
func (e *ProviderError) Transient() bool {
	return httpkit.IsRetryableStatus(e.StatusCode) || e.StatusCode == 529 // Anthropic "overloaded"
}

// IsTransient classifies an error returned by a Client. Provider
// status errors follow [ProviderError.Transient]; network timeouts and
// connection failures are transient; caller cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}

	// A per-call deadline expiring is a slow upstream, not a bad request.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return httpkit.IsConnectError(err)
}
