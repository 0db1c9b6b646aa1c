package utils

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/AngelCh415/campaign-etl/internal/metrics"
)

// NewBreaker returns a circuit breaker that opens once at least 5 requests in
// a one-minute window failed at a rate of 60% or more. State changes are
// logged and exported as etl_circuit_breaker_state.
func NewBreaker[T any](name string, log *slog.Logger) *gobreaker.CircuitBreaker[T] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < 5 {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", slog.String("breaker", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
