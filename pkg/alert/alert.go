package alert

import (
	"context"
	"fmt"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/types"
)

// Alert is the wire contract for outbound notifications.
type Alert struct {
	Severity    types.Severity `json:"severity"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Metric      string         `json:"metric,omitempty"`
	ActualValue float64        `json:"actualValue,omitempty"`
	Threshold   float64        `json:"threshold,omitempty"`
}

// Notifier delivers an alert to one transport.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Dispatcher fans an alert out to every configured transport. Delivery is
// best effort: a failing transport is logged and does not stop the others.
type Dispatcher struct {
	notifiers []Notifier
}

// NewDispatcher creates a dispatcher over the given transports.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers}
}

// Send dispatches the alert to all transports.
func (d *Dispatcher) Send(ctx context.Context, a Alert) {
	logger := log.WithComponent("alert")
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			logger.Error().Err(err).Str("title", a.Title).Msg("alert delivery failed")
		}
	}
}

// BindThresholds forwards metric threshold breaches to the dispatcher.
func (d *Dispatcher) BindThresholds(registry *metrics.Registry) {
	registry.OnThresholdBreach(func(b metrics.Breach) {
		d.Send(context.Background(), Alert{
			Severity:    b.Threshold.Severity,
			Title:       fmt.Sprintf("Threshold breach: %s", b.Threshold.Metric),
			Body:        fmt.Sprintf("%s %s %g, actual %g", b.Threshold.Metric, b.Threshold.Operator, b.Threshold.Value, b.Actual),
			Metric:      b.Threshold.Metric,
			ActualValue: b.Actual,
			Threshold:   b.Threshold.Value,
		})
	})
}
