package alert

import (
	"context"

	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/resilience"
)

// ResilientNotifier wraps a notifier with a circuit breaker and transport
// retries so one flaky alert channel cannot stall dispatch for the rest.
type ResilientNotifier struct {
	inner    Notifier
	breaker  *resilience.Breaker
	registry *metrics.Registry
}

// NewResilientNotifier wraps inner with a named breaker.
func NewResilientNotifier(name string, inner Notifier, registry *metrics.Registry) *ResilientNotifier {
	return &ResilientNotifier{
		inner:    inner,
		breaker:  resilience.NewBreaker("alert."+name, resilience.DefaultBreakerConfig(), registry),
		registry: registry,
	}
}

// Notify forwards to the wrapped notifier through the breaker, retrying
// transport failures.
func (r *ResilientNotifier) Notify(ctx context.Context, a Alert) error {
	return resilience.WithNetworkRetry(ctx, r.registry, r.breaker, func(ctx context.Context) error {
		return r.inner.Notify(ctx, a)
	})
}
