package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/perf"
	"github.com/dukapos/opscore/pkg/types"
)

// safeModeReason is the reason written on automatic engagement; operators
// and dashboards match on its prefix.
const safeModeReason = "Health score F — auto-engaged"

// Store is the persistence surface of the health scorer.
type Store interface {
	InsertHealthScore(ctx context.Context, score int, components types.HealthComponents, safeMode bool) error
	GetSafeModeState(ctx context.Context) (*types.SafeModeState, error)
	EnableSafeMode(ctx context.Context, reason, enabledBy, overrideToken string) error
	DisableSafeMode(ctx context.Context, overrideToken string) (bool, error)
	LatestDriftScore(ctx context.Context) (int, error)
	OpenIncidentSummary(ctx context.Context) (types.IncidentSummary, error)
	LatestPassedBackupTime(ctx context.Context) (time.Time, error)
	HasPendingMigrations(ctx context.Context) (bool, error)
}

// Report is the full health view served by the system-health endpoint.
type Report struct {
	Score      int                    `json:"score"`
	Grade      string                 `json:"grade"`
	Components types.HealthComponents `json:"components"`
	SafeMode   bool                   `json:"safeMode"`
	Incidents  types.IncidentSummary  `json:"incidents"`
	DriftScore int                    `json:"driftScore"`
	RecordedAt time.Time              `json:"recordedAt"`
}

// Scorer computes the weighted health score and owns safe-mode engagement.
type Scorer struct {
	store      Store
	tracker    *perf.LatencyTracker
	registry   *metrics.Registry
	dispatcher *alert.Dispatcher
	logger     zerolog.Logger

	now func() time.Time
}

// NewScorer wires a health scorer.
func NewScorer(store Store, tracker *perf.LatencyTracker, registry *metrics.Registry, dispatcher *alert.Dispatcher) *Scorer {
	return &Scorer{
		store:      store,
		tracker:    tracker,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     log.WithComponent("health"),
		now:        time.Now,
	}
}

// RunCycle computes one health sample, persists it and engages safe mode
// when the grade falls to F.
func (s *Scorer) RunCycle(ctx context.Context) (*Report, error) {
	components, summary, driftScore, err := s.components(ctx)
	if err != nil {
		return nil, err
	}
	score := components.Total()
	grade := GradeFor(score)

	state, err := s.store.GetSafeModeState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read safe mode: %w", err)
	}

	switch {
	case score < 40 && !state.SafeMode:
		if err := s.store.EnableSafeMode(ctx, safeModeReason, "health-scorer", uuid.New().String()); err != nil {
			return nil, fmt.Errorf("failed to engage safe mode: %w", err)
		}
		state.SafeMode = true
		s.logger.Error().Int("score", score).Msg("safe mode auto-engaged")
		s.dispatcher.Send(ctx, alert.Alert{
			Severity: types.SeverityCritical,
			Title:    "Safe mode auto-engaged",
			Body:     fmt.Sprintf("Health score %d (grade F); writes are now rejected", score),
		})
	case score < 50 && !state.SafeMode:
		s.dispatcher.Send(ctx, alert.Alert{
			Severity: types.SeverityCritical,
			Title:    fmt.Sprintf("Health degraded to %s", grade),
			Body:     fmt.Sprintf("Health score %d, approaching safe-mode threshold", score),
		})
	}

	if err := s.store.InsertHealthScore(ctx, score, components, state.SafeMode); err != nil {
		return nil, fmt.Errorf("failed to persist health score: %w", err)
	}

	s.registry.SetGauge("health.score", float64(score))
	s.logger.Info().Int("score", score).Str("grade", grade).Msg("health cycle complete")

	return &Report{
		Score:      score,
		Grade:      grade,
		Components: components,
		SafeMode:   state.SafeMode,
		Incidents:  summary,
		DriftScore: driftScore,
		RecordedAt: s.now().UTC(),
	}, nil
}

func (s *Scorer) components(ctx context.Context) (types.HealthComponents, types.IncidentSummary, int, error) {
	driftScore, err := s.store.LatestDriftScore(ctx)
	if err != nil {
		return types.HealthComponents{}, types.IncidentSummary{}, 0, fmt.Errorf("failed to read drift score: %w", err)
	}
	summary, err := s.store.OpenIncidentSummary(ctx)
	if err != nil {
		return types.HealthComponents{}, types.IncidentSummary{}, 0, fmt.Errorf("failed to read incidents: %w", err)
	}

	components := types.HealthComponents{
		Integrity:  int(math.Round(float64(driftScore) / 100 * 30)),
		ErrorRate:  errorRateComponent(s.registry.Gauge("http.error_rate") * 100),
		Latency:    latencyComponent(s.worstP95()),
		Incidents:  incidentComponent(summary),
		Backup:     s.backupComponent(ctx),
		Migrations: s.migrationsComponent(ctx),
	}
	return components, summary, driftScore, nil
}

func (s *Scorer) worstP95() float64 {
	worst := 0.0
	for _, endpoint := range s.tracker.Endpoints() {
		if p95 := s.tracker.Percentile(endpoint, 0.95); p95 > worst {
			worst = p95
		}
	}
	return worst
}

func errorRateComponent(pct float64) int {
	switch {
	case pct == 0:
		return 20
	case pct < 0.5:
		return 18
	case pct < 1:
		return 15
	case pct < 3:
		return 10
	case pct < 5:
		return 5
	default:
		return 0
	}
}

func latencyComponent(p95 float64) int {
	switch {
	case p95 < 100:
		return 15
	case p95 < 200:
		return 12
	case p95 < 500:
		return 8
	case p95 < 1000:
		return 4
	default:
		return 0
	}
}

func incidentComponent(s types.IncidentSummary) int {
	penalty := 10*s.OpenP1 + 5*s.OpenP2 + 2*s.OpenP3 + s.OpenP4
	if penalty >= 20 {
		return 0
	}
	return 20 - penalty
}

func (s *Scorer) backupComponent(ctx context.Context) int {
	passedAt, err := s.store.LatestPassedBackupTime(ctx)
	if err != nil || passedAt.IsZero() {
		return 0
	}
	age := s.now().Sub(passedAt)
	switch {
	case age < 12*time.Hour:
		return 10
	case age < 24*time.Hour:
		return 7
	case age < 48*time.Hour:
		return 3
	default:
		return 0
	}
}

func (s *Scorer) migrationsComponent(ctx context.Context) int {
	pending, err := s.store.HasPendingMigrations(ctx)
	if err != nil {
		// Partial credit: an unreadable migration table is suspicious but
		// not proof of schema drift.
		return 3
	}
	if pending {
		return 0
	}
	return 5
}

// GradeFor maps a score to its letter grade.
func GradeFor(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 75:
		return "B"
	case score >= 60:
		return "C"
	case score >= 40:
		return "D"
	default:
		return "F"
	}
}

// EnableSafeMode engages safe mode manually and returns the override token
// required to disable it.
func (s *Scorer) EnableSafeMode(ctx context.Context, reason, enabledBy string) (string, error) {
	if reason == "" {
		reason = "manual"
	}
	token := uuid.New().String()
	if err := s.store.EnableSafeMode(ctx, reason, enabledBy, token); err != nil {
		return "", err
	}
	s.logger.Warn().Str("enabled_by", enabledBy).Str("reason", reason).Msg("safe mode enabled")
	return token, nil
}

// DisableSafeMode lifts safe mode iff the supplied token matches the stored
// one.
func (s *Scorer) DisableSafeMode(ctx context.Context, overrideToken string) (bool, error) {
	ok, err := s.store.DisableSafeMode(ctx, overrideToken)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Warn().Msg("safe mode disabled")
	} else {
		s.logger.Warn().Msg("safe mode disable refused: token mismatch")
	}
	return ok, nil
}

// SafeModeState exposes the current singleton state.
func (s *Scorer) SafeModeState(ctx context.Context) (*types.SafeModeState, error) {
	return s.store.GetSafeModeState(ctx)
}
