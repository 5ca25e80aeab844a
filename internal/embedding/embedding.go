// Package embedding generates and indexes semantic embeddings for facts.
//
// Two providers are supported: a local Ollama server and the OpenAI API. Both
// are wrapped with circuit breaker protection and client-side rate limiting so
// a degraded provider cannot stall ingestion; callers fall back to deferred
// (backfilled) embedding when a provider is unavailable.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the provider's circuit breaker is open and
// requests are being rejected to prevent cascading failures.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder generates an embedding vector for a piece of text.
type Embedder interface {
	// Embed returns the embedding for text. Blocks until the provider
	// responds, the context is done, or the circuit breaker rejects the call.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the provider's model identifier, stored alongside each
	// vector so stale embeddings can be detected after a model change.
	Model() string
}

// newBreaker builds the circuit breaker shared by both providers: it trips
// after 3 consecutive failures, stays open for 30 seconds, and closes again
// after 2 successful probes.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// execute runs fn through the breaker, translating the breaker's own errors
// into ErrUnavailable.
func execute(cb *gobreaker.CircuitBreaker, fn func() ([]float32, error)) ([]float32, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.([]float32), nil
}
