package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors returned by the gateway.
var (
	// ErrUnknownProvider is returned for provider ids not in the
	// registry. Never recoverable.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrAmbiguousRoute is returned when "auto" cannot pick a provider
	// for the model id.
	ErrAmbiguousRoute = errors.New("auto routing is ambiguous for model")
)

// ProviderError is a classified upstream failure. Recoverable errors
// may be retried and are eligible for the mock fallback; auth and
// validation failures propagate unchanged.
type ProviderError struct {
	Provider    string
	StatusCode  int // 0 when no HTTP status applies
	Message     string
	Recoverable bool
	Err         error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRecoverable reports whether the error is a transient upstream
// failure: HTML bodies, 408/409/425/429/5xx, malformed provider JSON,
// network resets, timeouts. Cancellation is never recoverable — it is
// not a failure at all.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// The caller's per-call deadline counts as a timeout, which is
	// recoverable; cancellation of the outer token does not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// recoverableStatus classifies HTTP status codes per the upstream error
// taxonomy.
func recoverableStatus(status int) bool {
	switch status {
	case 408, 409, 425, 429:
		return true
	}
	return status >= 500
}

// looksLikeHTML detects provider error pages returned with a 200 or a
// JSON content type.
func looksLikeHTML(body string) bool {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}
