package deploy

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/config"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/types"
)

// ErrGatesFailed aborts a deploy when any blocking gate fails.
var ErrGatesFailed = errors.New("deployment gates failed")

// coverageTimeout bounds the external coverage command.
const coverageTimeout = 120 * time.Second

// Store is the persistence surface of the gate runner.
type Store interface {
	InsertGateRun(ctx context.Context, run *types.DeploymentGateRun) error
	LatestDriftScore(ctx context.Context) (int, error)
	OpenIncidentSummary(ctx context.Context) (types.IncidentSummary, error)
	LatestPassedBackupTime(ctx context.Context) (time.Time, error)
	HasPendingMigrations(ctx context.Context) (bool, error)
}

// Runner evaluates the deployment gates.
type Runner struct {
	store      Store
	registry   *metrics.Registry
	dispatcher *alert.Dispatcher
	cfg        config.Gates
	logger     zerolog.Logger

	// coverage runs the external coverage command and returns its combined
	// output; swapped in tests.
	coverage func(ctx context.Context, command string) ([]byte, error)
	now      func() time.Time
}

// NewRunner wires a gate runner with the given gate configuration.
func NewRunner(store Store, registry *metrics.Registry, dispatcher *alert.Dispatcher, cfg config.Gates) *Runner {
	return &Runner{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     log.WithComponent("deploy"),
		coverage:   runCoverageCommand,
		now:        time.Now,
	}
}

// Run evaluates all gates in parallel, persists the run and returns
// ErrGatesFailed when any blocking gate failed.
func (r *Runner) Run(ctx context.Context, triggeredBy string) (*types.DeploymentGateRun, error) {
	gates := []func(ctx context.Context) types.GateResult{
		r.gateNoOpenP1,
		r.gateDriftScore,
		r.gateTestCoverage,
		r.gateBackupFreshness,
		r.gateErrorRate,
		r.gateMigrationsClean,
	}

	results := make([]types.GateResult, len(gates))
	var wg sync.WaitGroup
	for i, gate := range gates {
		wg.Add(1)
		go func(i int, gate func(ctx context.Context) types.GateResult) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					results[i] = types.GateResult{
						Name:     "UNKNOWN",
						Passed:   false,
						Blocking: true,
						Detail:   fmt.Sprintf("gate panicked: %v", p),
					}
				}
			}()
			results[i] = gate(ctx)
		}(i, gate)
	}
	wg.Wait()

	run := &types.DeploymentGateRun{
		Passed:      true,
		Gates:       results,
		TriggeredBy: triggeredBy,
		CreatedAt:   r.now().UTC(),
	}
	for _, result := range results {
		if !result.Passed && result.Blocking {
			run.Passed = false
			run.Blockers = append(run.Blockers, result.Name)
		}
	}

	if err := r.store.InsertGateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to persist gate run: %w", err)
	}

	if !run.Passed {
		r.logger.Error().Strs("blockers", run.Blockers).Msg("deployment blocked")
		r.dispatcher.Send(ctx, alert.Alert{
			Severity: types.SeverityCritical,
			Title:    "Deployment blocked by gates",
			Body:     fmt.Sprintf("Failing gates: %s", strings.Join(run.Blockers, ", ")),
		})
		return run, fmt.Errorf("%w: %s", ErrGatesFailed, strings.Join(run.Blockers, ", "))
	}
	r.logger.Info().Int("gates", len(results)).Msg("all deployment gates passed")
	return run, nil
}

func (r *Runner) gateNoOpenP1(ctx context.Context) types.GateResult {
	result := types.GateResult{Name: "NO_OPEN_P1_INCIDENTS", Blocking: true}
	summary, err := r.store.OpenIncidentSummary(ctx)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Passed = summary.OpenP1 == 0
	result.Detail = fmt.Sprintf("%d open P1 incidents", summary.OpenP1)
	return result
}

func (r *Runner) gateDriftScore(ctx context.Context) types.GateResult {
	result := types.GateResult{Name: "DRIFT_SCORE", Blocking: true}
	score, err := r.store.LatestDriftScore(ctx)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Passed = score >= r.cfg.MinDriftScore
	result.Detail = fmt.Sprintf("drift score %d (minimum %d)", score, r.cfg.MinDriftScore)
	return result
}

func (r *Runner) gateTestCoverage(ctx context.Context) types.GateResult {
	result := types.GateResult{Name: "TEST_COVERAGE", Blocking: true}
	if r.cfg.SkipCoverage {
		result.Passed = true
		result.Detail = "skipped by flag"
		return result
	}
	if r.cfg.CoverageCommand == "" {
		result.Detail = "no coverage command configured"
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, coverageTimeout)
	defer cancel()
	out, err := r.coverage(ctx, r.cfg.CoverageCommand)
	if err != nil {
		result.Detail = fmt.Sprintf("coverage command failed: %v", err)
		return result
	}
	pct, err := parseCoverage(string(out))
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Passed = pct >= r.cfg.CoverageMin
	result.Detail = fmt.Sprintf("coverage %.1f%% (minimum %.1f%%)", pct, r.cfg.CoverageMin)
	return result
}

func (r *Runner) gateBackupFreshness(ctx context.Context) types.GateResult {
	result := types.GateResult{Name: "BACKUP_FRESHNESS", Blocking: true}
	passedAt, err := r.store.LatestPassedBackupTime(ctx)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	if passedAt.IsZero() {
		result.Detail = "no passed backup validation on record"
		return result
	}
	age := r.now().Sub(passedAt)
	result.Passed = age < 24*time.Hour
	result.Detail = fmt.Sprintf("newest passed backup is %s old", age.Round(time.Minute))
	return result
}

func (r *Runner) gateErrorRate(context.Context) types.GateResult {
	pct := r.registry.Gauge("http.error_rate") * 100
	return types.GateResult{
		Name:     "ERROR_RATE",
		Blocking: true,
		Passed:   pct <= r.cfg.MaxErrorRate,
		Detail:   fmt.Sprintf("error rate %.2f%% (maximum %.2f%%)", pct, r.cfg.MaxErrorRate),
	}
}

func (r *Runner) gateMigrationsClean(ctx context.Context) types.GateResult {
	result := types.GateResult{Name: "MIGRATIONS_CLEAN", Blocking: true}
	pending, err := r.store.HasPendingMigrations(ctx)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	result.Passed = !pending
	if pending {
		result.Detail = "pending schema migrations"
	} else {
		result.Detail = "schema up to date"
	}
	return result
}

func runCoverageCommand(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
}

// parseCoverage extracts the last percentage figure from the command
// output, e.g. "total: (statements) 87.4%".
func parseCoverage(out string) (float64, error) {
	fields := strings.Fields(out)
	for i := len(fields) - 1; i >= 0; i-- {
		f := strings.TrimSuffix(fields[i], "%")
		if f == fields[i] {
			continue
		}
		pct, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		return pct, nil
	}
	return 0, errors.New("no coverage percentage in command output")
}
