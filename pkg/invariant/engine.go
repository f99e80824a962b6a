package invariant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/resilience"
	"github.com/dukapos/opscore/pkg/types"
)

// maxPersistedViolations caps violation rows written per cycle. The engine
// is a surveillance mechanism, not a bulk audit log.
const maxPersistedViolations = 100

// Store persists cycle output.
type Store interface {
	InsertInvariantViolations(ctx context.Context, violations []types.InvariantViolation) error
	InsertDriftScore(ctx context.Context, score int, components map[string]types.DriftComponent) error
}

// IncidentSink receives failed results and clears incidents on recovery.
type IncidentSink interface {
	CreateOrUpdateFromInvariant(ctx context.Context, priority types.Priority, invariant string, violationCount int) (*types.Incident, error)
	AutoResolveForInvariant(ctx context.Context, invariant, reason string) error
}

// Engine runs the invariant catalogue on a fixed cadence and feeds the
// incident manager with whatever it finds.
type Engine struct {
	invariants []Invariant
	store      Store
	incidents  IncidentSink
	registry   *metrics.Registry
	logger     zerolog.Logger

	mu          sync.Mutex
	lastResults []types.InvariantResult
	lastRunAt   time.Time
}

// NewEngine builds an engine over the given catalogue.
func NewEngine(invariants []Invariant, store Store, incidents IncidentSink, registry *metrics.Registry) *Engine {
	return &Engine{
		invariants: invariants,
		store:      store,
		incidents:  incidents,
		registry:   registry,
		logger:     log.WithComponent("invariant"),
	}
}

// RunCycle executes every invariant once, in registration order, and returns
// the cycle's composite drift score. One failing check never stops the rest
// of the catalogue.
func (e *Engine) RunCycle(ctx context.Context) (int, []types.InvariantResult, error) {
	started := time.Now()
	results := make([]types.InvariantResult, 0, len(e.invariants))
	for _, inv := range e.invariants {
		results = append(results, e.runOne(ctx, inv))
	}

	score := CompositeDriftScore(results)
	e.registry.SetGauge("drift.score", float64(score))
	e.registry.Record("invariant.cycle_ms", float64(time.Since(started).Milliseconds()))

	if err := e.persist(ctx, results, score); err != nil {
		return score, results, err
	}
	e.feedIncidents(ctx, results)

	e.mu.Lock()
	e.lastResults = results
	e.lastRunAt = time.Now().UTC()
	e.mu.Unlock()

	e.logger.Info().
		Int("drift_score", score).
		Int("checks", len(results)).
		Msg("invariant cycle complete")
	return score, results, nil
}

func (e *Engine) runOne(ctx context.Context, inv Invariant) types.InvariantResult {
	logger := log.WithInvariant(inv.Name())

	violations, err := inv.Check(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("invariant check failed to run")
		return types.InvariantResult{
			Name:     inv.Name(),
			Priority: inv.Priority(),
			Passed:   false,
			Err:      err.Error(),
		}
	}

	autoCorrected := false
	if len(violations) > 0 && inv.SafeToAutoCorrect() {
		if err := inv.AutoCorrect(ctx, violations); err != nil {
			logger.Error().Err(err).Int("violations", len(violations)).Msg("auto-correction failed")
		} else {
			autoCorrected = true
			e.registry.Increment("invariant.auto_corrected", float64(len(violations)))
			logger.Info().Int("violations", len(violations)).Msg("violations auto-corrected")
		}
	}

	passed := len(violations) == 0 || autoCorrected
	if !passed {
		logger.Warn().Int("violations", len(violations)).Msg("invariant violated")
	}
	return types.InvariantResult{
		Name:          inv.Name(),
		Priority:      inv.Priority(),
		Passed:        passed,
		DriftScore:    perCheckDrift(len(violations)),
		Violations:    violations,
		AutoCorrected: autoCorrected,
	}
}

// perCheckDrift is the coarse per-invariant score shown in status output.
func perCheckDrift(count int) int {
	score := 100 - 10*count
	if score < 0 {
		return 0
	}
	return score
}

func (e *Engine) persist(ctx context.Context, results []types.InvariantResult, score int) error {
	now := time.Now().UTC()
	var rows []types.InvariantViolation
	for _, r := range results {
		for _, v := range r.Violations {
			if len(rows) >= maxPersistedViolations {
				break
			}
			rows = append(rows, types.InvariantViolation{
				ID:            uuid.New().String(),
				Invariant:     r.Name,
				ShopID:        v.ShopID,
				EntityID:      v.EntityID,
				EntityType:    v.EntityType,
				Details:       v.Detail,
				AutoCorrected: r.AutoCorrected,
				CreatedAt:     now,
			})
		}
	}
	if len(rows) > 0 {
		err := resilience.WithDeadlockRetry(ctx, e.registry, func(ctx context.Context) error {
			return e.store.InsertInvariantViolations(ctx, rows)
		})
		if err != nil {
			return fmt.Errorf("failed to persist violations: %w", err)
		}
	}
	err := resilience.WithDeadlockRetry(ctx, e.registry, func(ctx context.Context) error {
		return e.store.InsertDriftScore(ctx, score, DriftComponents(results))
	})
	if err != nil {
		return fmt.Errorf("failed to persist drift score: %w", err)
	}
	return nil
}

func (e *Engine) feedIncidents(ctx context.Context, results []types.InvariantResult) {
	for _, r := range results {
		if r.Passed {
			if err := e.incidents.AutoResolveForInvariant(ctx, r.Name, "violation cleared"); err != nil {
				e.logger.Error().Err(err).Str("invariant", r.Name).Msg("failed to clear incident")
			}
			continue
		}
		if _, err := e.incidents.CreateOrUpdateFromInvariant(ctx, r.Priority, r.Name, len(r.Violations)); err != nil {
			e.logger.Error().Err(err).Str("invariant", r.Name).Msg("failed to raise incident")
		}
	}
}

// Status reports the most recent cycle for the status endpoint.
func (e *Engine) Status() (time.Time, []types.InvariantResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRunAt, e.lastResults
}
