package cron

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/types"
)

// maxStartStagger spreads runOnStart jobs over the first seconds after boot
// so a restart does not fire every job at once.
const maxStartStagger = 10 * time.Second

// stopDrainTimeout bounds how long Stop waits for in-flight jobs.
const stopDrainTimeout = 30 * time.Second

// Job is one scheduled unit of work.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool
	Fn         func(ctx context.Context) error
}

// JobStatus is the per-job view served by the cron status endpoint.
type JobStatus struct {
	Name      string     `json:"name"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	RunCount  int64      `json:"runCount"`
}

// IncidentOpener converts job panics into incidents.
type IncidentOpener interface {
	Create(ctx context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error)
}

type jobState struct {
	job       Job
	lastRun   *time.Time
	lastError string
	runCount  int64
}

// Scheduler runs registered jobs on steady intervals. Jobs never serialize
// against one another; each runs on its own timer goroutine.
type Scheduler struct {
	registry   *metrics.Registry
	dispatcher *alert.Dispatcher
	incidents  IncidentOpener
	logger     zerolog.Logger

	mu      sync.Mutex
	jobs    []*jobState
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stagger func() time.Duration
}

// NewScheduler wires an empty scheduler.
func NewScheduler(registry *metrics.Registry, dispatcher *alert.Dispatcher, incidents IncidentOpener) *Scheduler {
	return &Scheduler{
		registry:   registry,
		dispatcher: dispatcher,
		incidents:  incidents,
		logger:     log.WithComponent("cron"),
		stagger: func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxStartStagger)))
		},
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{job: job})
}

// Start launches every registered job's timer loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, state := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, state)
	}
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
}

// Stop cancels all jobs and waits, bounded, for in-flight runs to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
	case <-time.After(stopDrainTimeout):
		s.logger.Warn().Msg("scheduler stop timed out with jobs in flight")
	}
}

func (s *Scheduler) loop(ctx context.Context, state *jobState) {
	defer s.wg.Done()

	if state.job.RunOnStart {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.stagger()):
			s.runJob(ctx, state)
		}
	}

	ticker := time.NewTicker(state.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, state)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, state *jobState) {
	name := state.job.Name
	logger := log.WithJob(name)
	started := time.Now()

	err := s.invoke(ctx, state.job)
	elapsed := time.Since(started)

	s.mu.Lock()
	now := started.UTC()
	state.lastRun = &now
	state.runCount++
	if err != nil {
		state.lastError = err.Error()
	} else {
		state.lastError = ""
	}
	s.mu.Unlock()

	s.registry.SetGauge(fmt.Sprintf("cron.%s.last_run_ms", name), float64(elapsed.Milliseconds()))
	if err != nil {
		s.registry.Increment(fmt.Sprintf("cron.%s.error_total", name), 1)
		logger.Error().Err(err).Dur("elapsed", elapsed).Msg("job failed")
		return
	}
	s.registry.Increment(fmt.Sprintf("cron.%s.success_total", name), 1)
	logger.Debug().Dur("elapsed", elapsed).Msg("job complete")
}

// invoke runs the job, converting a panic into an error plus an incident
// and alert; a panicking job must never tear down the process.
func (s *Scheduler) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
			s.logger.Error().Str("job", job.Name).Interface("panic", p).Msg("job panic recovered")

			if _, ierr := s.incidents.Create(ctx, types.PriorityP2,
				fmt.Sprintf("Scheduled job %s panicked", job.Name), "",
				types.JSONMap{"panic": fmt.Sprint(p)}); ierr != nil {
				s.logger.Error().Err(ierr).Msg("failed to open panic incident")
			}
			s.dispatcher.Send(ctx, alert.Alert{
				Severity: types.SeverityCritical,
				Title:    fmt.Sprintf("Job panic: %s", job.Name),
				Body:     fmt.Sprint(p),
			})
		}
	}()
	return job.Fn(ctx)
}

// Status reports every job's counters, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, state := range s.jobs {
		statuses = append(statuses, JobStatus{
			Name:      state.job.Name,
			LastRun:   state.lastRun,
			LastError: state.lastError,
			RunCount:  state.runCount,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}
