package embed

import (
	"time"

	"github.com/sony/gobreaker"

	cerr "github.com/Zykairotis/corpusd/internal/errors"
)

// Breaker wraps calls to one embedding endpoint in a circuit breaker.
// After repeated transient failures the circuit opens and calls fail
// fast with a retryable error instead of piling onto a dead service.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker for the named endpoint. The circuit
// opens after 5 consecutive failures and half-opens after 30 seconds.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Permanent rejections are the caller's problem, not a
				// sign the service is down.
				if err == nil {
					return true
				}
				return cerr.GetCode(err) != "" && !cerr.IsRetryable(err)
			},
		}),
	}
}

// Embed runs fn through the breaker, translating an open circuit into a
// retryable unavailable error.
func (b *Breaker) Embed(fn func() ([][]float32, error)) ([][]float32, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, cerr.TransientRPC("circuit open: "+b.cb.Name(), err)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

// EmbedSparse runs a sparse call through the breaker.
func (b *Breaker) EmbedSparse(fn func() ([]SparseVector, error)) ([]SparseVector, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, cerr.TransientRPC("circuit open: "+b.cb.Name(), err)
		}
		return nil, err
	}
	return result.([]SparseVector), nil
}
