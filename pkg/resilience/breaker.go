package resilience

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// forwarding it. It is never retried by the network-retry helper.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenProbes   uint32
}

// DefaultBreakerConfig matches the platform defaults: trip after 5
// consecutive failures, probe again after 30s, close after 2 successful
// probes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Breaker wraps a three-state circuit breaker and exports its state as a
// gauge (0=closed, 1=open, 2=half-open) plus a failure counter.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	registry *metrics.Registry
	logger   zerolog.Logger
}

// NewBreaker creates a named breaker bound to the metrics registry.
func NewBreaker(name string, cfg BreakerConfig, registry *metrics.Registry) *Breaker {
	b := &Breaker{name: name, registry: registry, logger: log.WithComponent("breaker")}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			registry.SetGauge(fmt.Sprintf("circuit_breaker.%s.state", name), stateValue(to))
			b.logger.Warn().
				Str("name", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})

	registry.SetGauge(fmt.Sprintf("circuit_breaker.%s.state", name), stateValue(gobreaker.StateClosed))
	return b
}

// Execute forwards fn through the breaker. Open-state rejections surface as
// ErrCircuitOpen.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		b.registry.Increment(fmt.Sprintf("circuit_breaker.%s.failures", b.name), 1)
		return nil, err
	}
	return result, nil
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	default:
		return 2
	}
}
