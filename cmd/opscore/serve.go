package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/api"
	"github.com/dukapos/opscore/pkg/backup"
	"github.com/dukapos/opscore/pkg/config"
	"github.com/dukapos/opscore/pkg/cron"
	"github.com/dukapos/opscore/pkg/deploy"
	"github.com/dukapos/opscore/pkg/events"
	"github.com/dukapos/opscore/pkg/health"
	"github.com/dukapos/opscore/pkg/incident"
	"github.com/dukapos/opscore/pkg/invariant"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/perf"
	"github.com/dukapos/opscore/pkg/report"
	"github.com/dukapos/opscore/pkg/resilience"
	"github.com/dukapos/opscore/pkg/security"
	"github.com/dukapos/opscore/pkg/storage"
	"github.com/dukapos/opscore/pkg/types"
)

const (
	memSampleInterval = time.Minute
	shutdownTimeout   = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Start the control plane: migrate the database, launch every
scheduled engine and serve the HTTP control surface until interrupted.

In the production stage the deployment gates run before anything else
and a failing gate aborts startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("main")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}

		registry := metrics.NewRegistry()
		declareThresholds(registry)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		dispatcher := buildDispatcher(cfg.Alerting, broker, registry)
		dispatcher.BindThresholds(registry)

		tracker := perf.NewLatencyTracker()
		memTrend := perf.NewMemTrend()
		limiter := security.NewRateLimiter(cfg.Security.RateLimitPerMinute, cfg.Security.RateLimitBlock)
		brute := security.NewBruteForceDetector(cfg.Security.BruteForceThreshold,
			cfg.Security.BruteForceWindow, cfg.Security.BruteForceLock)

		incidents := incident.NewManager(store, dispatcher, registry)
		incidents.SetEventPublisher(broker)
		invEngine := invariant.NewEngine(invariant.Catalogue(store), store, incidents, registry)
		scanner := security.NewScanner(store, incidents, registry, cfg.Security.LargeTransactionMin)
		verifier := security.NewVerifier(store, incidents)
		perfEngine := perf.NewEngine(store, incidents, tracker, memTrend, registry)
		scorer := health.NewScorer(store, tracker, registry, dispatcher)
		validator := backup.NewValidator(store, incidents, cfg.Backup, cfg.ShadowDBURL)
		builder := report.NewBuilder(store, cfg.Alerting.ExecutiveWebhookURL)
		idem := resilience.NewIdempotency(store)

		if cfg.Stage == "production" {
			runner := deploy.NewRunner(store, registry, dispatcher, cfg.Gates)
			if _, err := runner.Run(ctx, "boot"); err != nil {
				return err
			}
			watcher := deploy.NewWatcher(tracker, registry, dispatcher, incidents,
				rollbackFunc(cfg.Gates.RollbackCommand))
			watcher.Start(ctx)
			defer watcher.Stop()
		}

		scheduler := cron.NewScheduler(registry, dispatcher, incidents)
		scheduler.Register(cron.Job{
			Name: "invariant", Interval: cfg.Intervals.Invariant, RunOnStart: true,
			Fn: func(ctx context.Context) error {
				_, _, err := invEngine.RunCycle(ctx)
				return err
			},
		})
		scheduler.Register(cron.Job{
			Name: "performance", Interval: cfg.Intervals.Performance,
			Fn: perfEngine.RunCycle,
		})
		scheduler.Register(cron.Job{
			Name: "mem-sample", Interval: memSampleInterval, RunOnStart: true,
			Fn: perfEngine.SampleMemory,
		})
		scheduler.Register(cron.Job{
			Name: "security-scan", Interval: cfg.Intervals.Security,
			Fn: scanner.Scan,
		})
		scheduler.Register(cron.Job{
			Name: "audit-verify", Interval: cfg.Intervals.Security,
			Fn: func(ctx context.Context) error {
				_, err := verifier.Verify(ctx)
				return err
			},
		})
		scheduler.Register(cron.Job{
			Name: "health", Interval: cfg.Intervals.Health, RunOnStart: true,
			Fn: func(ctx context.Context) error {
				_, err := scorer.RunCycle(ctx)
				return err
			},
		})
		scheduler.Register(cron.Job{
			Name: "backup-validate", Interval: cfg.Intervals.Backup,
			Fn: validator.RunCycle,
		})
		scheduler.Register(cron.Job{
			Name: "executive-report", Interval: cfg.Intervals.ExecutiveReport,
			Fn: builder.RunCycle,
		})
		scheduler.Register(cron.Job{
			Name: "idempotency-clean", Interval: cfg.Intervals.IdempotencyClean,
			Fn: func(ctx context.Context) error {
				_, err := idem.Cleanup(ctx)
				return err
			},
		})
		scheduler.Register(cron.Job{
			Name: "ratelimit-clean", Interval: cfg.Intervals.RateLimiterClean,
			Fn: func(context.Context) error {
				limiter.Cleanup()
				return nil
			},
		})
		scheduler.Start(ctx)
		defer scheduler.Stop()

		server := api.NewServer(cfg.ListenAddr, store, scorer, incidents, builder,
			scheduler, broker, registry, tracker, limiter, brute)
		server.SetIdempotency(idem)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server failed: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		store, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		if err := store.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Evaluate deployment gates and exit non-zero on failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		store, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		registry := metrics.NewRegistry()
		dispatcher := buildDispatcher(cfg.Alerting, nil, registry)
		runner := deploy.NewRunner(store, registry, dispatcher, cfg.Gates)

		run, runErr := runner.Run(ctx, "cli")
		if run != nil {
			out, _ := json.MarshalIndent(run, "", "  ")
			fmt.Println(string(out))
		}
		return runErr
	},
}

// buildDispatcher wires the configured alert channels, each behind its own
// circuit breaker, plus the event stream when one is running.
func buildDispatcher(cfg config.Alerting, broker *events.Broker, registry *metrics.Registry) *alert.Dispatcher {
	var notifiers []alert.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewResilientNotifier("webhook", alert.NewWebhook(cfg.WebhookURL), registry))
	}
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, alert.NewResilientNotifier("slack", alert.NewSlack(cfg.SlackWebhookURL), registry))
	}
	if cfg.PagerDutyRoutingKey != "" {
		notifiers = append(notifiers, alert.NewResilientNotifier("pagerduty", alert.NewPagerDuty(cfg.PagerDutyRoutingKey), registry))
	}
	if broker != nil {
		notifiers = append(notifiers, broker)
	}
	return alert.NewDispatcher(notifiers...)
}

func declareThresholds(registry *metrics.Registry) {
	registry.DeclareThreshold(metrics.Threshold{
		Metric: "drift.score", Operator: metrics.OpLess, Value: 85,
		Severity: types.SeverityHigh, Cooldown: 15 * time.Minute,
	})
	registry.DeclareThreshold(metrics.Threshold{
		Metric: "health.score", Operator: metrics.OpLess, Value: 50,
		Severity: types.SeverityCritical, Cooldown: 15 * time.Minute,
	})
	registry.DeclareThreshold(metrics.Threshold{
		Metric: "http.error_rate", Operator: metrics.OpGreater, Value: 0.03,
		Severity: types.SeverityHigh, Cooldown: 5 * time.Minute,
	})
	registry.DeclareThreshold(metrics.Threshold{
		Metric: "overload.score", Operator: metrics.OpGreaterEqual, Value: 70,
		Severity: types.SeverityCritical, Cooldown: 10 * time.Minute,
	})
	registry.DeclareThreshold(metrics.Threshold{
		Metric: "db.pool_saturation_pct", Operator: metrics.OpGreaterEqual, Value: 90,
		Severity: types.SeverityHigh, Cooldown: 10 * time.Minute,
	})
}

func rollbackFunc(command string) deploy.RollbackFunc {
	return func(ctx context.Context) error {
		if command == "" {
			return errors.New("no rollback command configured")
		}
		out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
		if err != nil {
			return fmt.Errorf("rollback command failed: %w: %s", err, out)
		}
		return nil
	}
}
