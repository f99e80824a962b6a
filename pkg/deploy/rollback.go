package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/perf"
	"github.com/dukapos/opscore/pkg/types"
)

const (
	// watchInterval is how often the watcher re-reads current values.
	watchInterval = 30 * time.Second

	// spikeWindow is how long spike conditions must persist before the
	// watcher rolls back.
	spikeWindow = 60 * time.Second

	// errorRateSpikePct is the absolute error-rate floor for a spike.
	errorRateSpikePct = 3.0

	// latencySpikeFloorMs keeps fast endpoints from tripping on doubling.
	latencySpikeFloorMs = 500.0
)

// RollbackFunc undoes the deploy being watched.
type RollbackFunc func(ctx context.Context) error

// IncidentOpener opens the P1 raised on rollback.
type IncidentOpener interface {
	Create(ctx context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error)
}

// Watcher observes post-deploy error rates and latencies and triggers the
// rollback function when a spike persists for the full window.
type Watcher struct {
	tracker    *perf.LatencyTracker
	registry   *metrics.Registry
	dispatcher *alert.Dispatcher
	incidents  IncidentOpener
	rollback   RollbackFunc
	logger     zerolog.Logger

	baselineErrorPct float64
	baselineP95      map[string]float64

	mu           sync.Mutex
	spikeSince   time.Time
	stopped      bool
	stopCh       chan struct{}
	tickInterval time.Duration

	now func() time.Time
}

// NewWatcher captures the baseline at construction, which callers do
// immediately after a successful deploy.
func NewWatcher(tracker *perf.LatencyTracker, registry *metrics.Registry, dispatcher *alert.Dispatcher, incidents IncidentOpener, rollback RollbackFunc) *Watcher {
	baselines := make(map[string]float64)
	for _, endpoint := range tracker.Endpoints() {
		baselines[endpoint] = tracker.Percentile(endpoint, 0.95)
	}
	return &Watcher{
		tracker:          tracker,
		registry:         registry,
		dispatcher:       dispatcher,
		incidents:        incidents,
		rollback:         rollback,
		logger:           log.WithComponent("rollback"),
		baselineErrorPct: registry.Gauge("http.error_rate") * 100,
		baselineP95:      baselines,
		stopCh:           make(chan struct{}),
		tickInterval:     watchInterval,
		now:              time.Now,
	}
}

// Start watches until the context is cancelled, Stop is called or a
// rollback fires.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.evaluate(ctx)
			}
		}
	}()
}

// Stop halts the watcher without rolling back.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// evaluate runs one watch tick. Exported through tests only.
func (w *Watcher) evaluate(ctx context.Context) {
	spiking, detail := w.spiking()

	w.mu.Lock()
	if !spiking {
		if !w.spikeSince.IsZero() {
			w.logger.Info().Msg("spike cleared before window elapsed")
		}
		w.spikeSince = time.Time{}
		w.mu.Unlock()
		return
	}
	if w.spikeSince.IsZero() {
		w.spikeSince = w.now()
		w.mu.Unlock()
		w.logger.Warn().Str("detail", detail).Msg("post-deploy spike detected, watching")
		return
	}
	persisted := w.now().Sub(w.spikeSince) >= spikeWindow
	w.mu.Unlock()

	if persisted {
		w.trigger(ctx, detail)
	}
}

func (w *Watcher) spiking() (bool, string) {
	errorPct := w.registry.Gauge("http.error_rate") * 100
	if errorPct > errorRateSpikePct && errorPct > 2*w.effectiveErrorBaseline() {
		return true, fmt.Sprintf("error rate %.2f%% (baseline %.2f%%)", errorPct, w.baselineErrorPct)
	}
	for endpoint, baseline := range w.baselineP95 {
		p95 := w.tracker.Percentile(endpoint, 0.95)
		if p95 > latencySpikeFloorMs && p95 > 2*w.effectiveLatencyBaseline(baseline) {
			return true, fmt.Sprintf("%s p95 %.0fms (baseline %.0fms)", endpoint, p95, baseline)
		}
	}
	return false, ""
}

// A zero baseline would make any regression an instant spike; substitute
// the spike floor so doubling is measured against something meaningful.
func (w *Watcher) effectiveErrorBaseline() float64 {
	if w.baselineErrorPct <= 0 {
		return errorRateSpikePct / 2
	}
	return w.baselineErrorPct
}

func (w *Watcher) effectiveLatencyBaseline(baseline float64) float64 {
	if baseline <= 0 {
		return latencySpikeFloorMs / 2
	}
	return baseline
}

func (w *Watcher) trigger(ctx context.Context, detail string) {
	w.Stop()

	w.logger.Error().Str("detail", detail).Msg("spike persisted; rolling back")
	w.dispatcher.Send(ctx, alert.Alert{
		Severity: types.SeverityCritical,
		Title:    "Auto-rollback triggered",
		Body:     detail,
	})
	if _, err := w.incidents.Create(ctx, types.PriorityP1,
		"Post-deploy regression, automatic rollback", "",
		types.JSONMap{"detail": detail}); err != nil {
		w.logger.Error().Err(err).Msg("failed to open rollback incident")
	}
	if err := w.rollback(ctx); err != nil {
		w.logger.Error().Err(err).Msg("rollback function failed")
		w.dispatcher.Send(ctx, alert.Alert{
			Severity: types.SeverityCritical,
			Title:    "Rollback failed",
			Body:     err.Error(),
		})
	}
}
