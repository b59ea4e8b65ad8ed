package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProviderMock is the registry key of the built-in deterministic mock.
const ProviderMock = "mock"

// ProviderAuto is the virtual provider that routes by model id prefix.
const ProviderAuto = "auto"

// MockDefaultModel is the model id the orchestrator's fallback path uses.
const MockDefaultModel = "mock-default"

// autoRoutes maps model-id prefixes to provider ids for "auto".
var autoRoutes = []struct {
	prefix   string
	provider string
}{
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"claude", "anthropic"},
	{"gemini", "gemini"},
}

// retry policy for recoverable upstream errors, per call.
const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxAttempts     = 2
)

// Registry implements Gateway over a set of named providers. It
// resolves "auto" routing, enforces the caller's timeout, and retries
// recoverable failures with exponential backoff before surfacing them.
type Registry struct {
	providers map[string]Provider
	logger    *slog.Logger
}

var _ Gateway = (*Registry)(nil)

// NewRegistry creates a registry. The built-in mock provider is always
// registered under "mock".
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		providers: make(map[string]Provider),
		logger:    logger,
	}
	r.Register(ProviderMock, NewMockProvider())
	return r
}

// Register adds or replaces a provider under the given id.
func (r *Registry) Register(id string, p Provider) {
	r.providers[id] = p
}

// Has reports whether a provider id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.providers[id]
	return ok
}

// GenerateText resolves the provider, applies the timeout, and runs the
// call with bounded retry on recoverable errors.
func (r *Registry) GenerateText(ctx context.Context, req Request) (*Completion, error) {
	providerID, err := r.resolve(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	provider := r.providers[providerID]
	req.Provider = providerID

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var completion *Completion
	operation := func() error {
		start := time.Now()
		c, callErr := provider.Complete(callCtx, req)
		if callErr != nil {
			if ctx.Err() != nil {
				// Outer cancellation: stop retrying, propagate as-is.
				return backoff.Permanent(callErr)
			}
			if IsRecoverable(callErr) {
				r.logger.Warn("recoverable provider error, retrying",
					"provider", providerID, "model", req.Model, "error", callErr)
				return callErr
			}
			return backoff.Permanent(callErr)
		}
		c.Provider = providerID
		c.Latency = time.Since(start)
		completion = c
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(retryInitialInterval),
		), retryMaxAttempts),
		callCtx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return completion, nil
}

// resolve maps the requested provider id to a registered one, handling
// "auto" routing by model prefix. Unroutable models fall back to the
// sole non-mock provider when exactly one is registered.
func (r *Registry) resolve(providerID, model string) (string, error) {
	if providerID != ProviderAuto {
		if !r.Has(providerID) {
			return "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
		}
		return providerID, nil
	}

	lower := strings.ToLower(model)
	for _, route := range autoRoutes {
		if strings.HasPrefix(lower, route.prefix) && r.Has(route.provider) {
			return route.provider, nil
		}
	}

	// Unique fallback: exactly one registered provider besides mock.
	var candidate string
	for id := range r.providers {
		if id == ProviderMock {
			continue
		}
		if candidate != "" {
			return "", fmt.Errorf("%w: %s", ErrAmbiguousRoute, model)
		}
		candidate = id
	}
	if candidate == "" {
		return "", fmt.Errorf("%w: %s", ErrAmbiguousRoute, model)
	}
	return candidate, nil
}
