package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/cron"
	"github.com/dukapos/opscore/pkg/events"
	"github.com/dukapos/opscore/pkg/health"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/perf"
	"github.com/dukapos/opscore/pkg/resilience"
	"github.com/dukapos/opscore/pkg/security"
	"github.com/dukapos/opscore/pkg/types"
)

// openIncidentsLimit caps the incident list payload.
const openIncidentsLimit = 50

// Store is the storage surface the handlers read.
type Store interface {
	SafeModeStore
	BlockStore
	Ping(ctx context.Context) error
	LatestDriftScore(ctx context.Context) (int, error)
	DriftScoresSince(ctx context.Context, since time.Time) ([]types.DriftScore, error)
	HasPendingMigrations(ctx context.Context) (bool, error)
	UpsertSecurityBlock(ctx context.Context, target string, targetType types.BlockTargetType, reason string, expiresAt time.Time) error
}

// HealthService computes health reports and controls safe mode.
type HealthService interface {
	RunCycle(ctx context.Context) (*health.Report, error)
	EnableSafeMode(ctx context.Context, reason, enabledBy string) (string, error)
	DisableSafeMode(ctx context.Context, overrideToken string) (bool, error)
}

// IncidentService serves the incident views.
type IncidentService interface {
	Summary(ctx context.Context) (types.IncidentSummary, error)
	ListOpen(ctx context.Context, limit int) ([]*types.Incident, error)
}

// ReportService builds executive summaries on demand.
type ReportService interface {
	Build(ctx context.Context) (types.JSONMap, error)
}

// CronStatusProvider exposes the scheduler's per-job counters.
type CronStatusProvider interface {
	Status() []cron.JobStatus
}

// EventSource serves the operational event stream: the retained history
// plus live subscriptions for the streaming endpoint.
type EventSource interface {
	Recent() []events.Event
	Subscribe() events.Subscriber
	Unsubscribe(events.Subscriber)
}

// IdempotencyExecutor deduplicates mutating requests by client-supplied key.
type IdempotencyExecutor interface {
	Execute(ctx context.Context, key string, fn func(ctx context.Context) (resilience.Response, error)) (resilience.Result, error)
}

// Server is the control-plane HTTP surface.
type Server struct {
	store     Store
	healthSvc HealthService
	incidents IncidentService
	reports   ReportService
	cron      CronStatusProvider
	events    EventSource
	registry  *metrics.Registry
	tracker   *perf.LatencyTracker
	limiter   *security.RateLimiter
	brute     *security.BruteForceDetector
	idem      IdempotencyExecutor
	logger    zerolog.Logger

	httpServer *http.Server
}

// NewServer wires the server and its middleware chain.
func NewServer(addr string, store Store, healthSvc HealthService, incidents IncidentService, reports ReportService, cronStatus CronStatusProvider, eventSource EventSource, registry *metrics.Registry, tracker *perf.LatencyTracker, limiter *security.RateLimiter, brute *security.BruteForceDetector) *Server {
	s := &Server{
		store:     store,
		healthSvc: healthSvc,
		incidents: incidents,
		reports:   reports,
		cron:      cronStatus,
		events:    eventSource,
		registry:  registry,
		tracker:   tracker,
		limiter:   limiter,
		brute:     brute,
		logger:    log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// SetIdempotency attaches the request deduplicator. Optional; without it
// every mutating request executes unconditionally.
func (s *Server) SetIdempotency(i IdempotencyExecutor) {
	s.idem = i
}

// Router builds the middleware chain, outermost first: safe mode, then
// security, then accounting.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(safeModeMiddleware(s.store))
	r.Use(securityMiddleware(s.limiter, s.store))
	r.Use(accountingMiddleware(s.tracker, s.registry))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/system-health", s.handleSystemHealth)
	r.Get("/incidents", s.handleIncidents)
	r.Get("/invariants/status", s.handleInvariantStatus)
	r.Get("/cron/status", s.handleCronStatus)
	r.Get("/events/recent", s.handleRecentEvents)
	r.Get("/events/stream", s.handleEventStream)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.registry))
	r.Get("/metrics/json", s.handleMetricsJSON)
	r.Post("/system-mode/safe", s.handleEnableSafeMode)
	r.Delete("/system-mode/safe", s.handleDisableSafeMode)
	r.Post("/reports/executive", s.handleExecutiveReport)
	r.Post("/security/login-attempts", s.handleLoginAttempt)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "up"
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		database = "down"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":   map[int]string{http.StatusOK: "ok", http.StatusServiceUnavailable: "degraded"}[status],
		"database": database,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "detail": "database unreachable"})
		return
	}
	pending, err := s.store.HasPendingMigrations(r.Context())
	if err != nil || pending {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "detail": "migrations pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.healthSvc.RunCycle(r.Context())
	if err != nil {
		s.serverError(w, err, "failed to compute health")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	summary, err := s.incidents.Summary(r.Context())
	if err != nil {
		s.serverError(w, err, "failed to summarize incidents")
		return
	}
	open, err := s.incidents.ListOpen(r.Context(), openIncidentsLimit)
	if err != nil {
		s.serverError(w, err, "failed to list incidents")
		return
	}
	if open == nil {
		open = []*types.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "open": open})
}

func (s *Server) handleInvariantStatus(w http.ResponseWriter, r *http.Request) {
	score, err := s.store.LatestDriftScore(r.Context())
	if err != nil {
		s.serverError(w, err, "failed to read drift score")
		return
	}
	samples, err := s.store.DriftScoresSince(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.serverError(w, err, "failed to read drift history")
		return
	}
	if samples == nil {
		samples = []types.DriftScore{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"driftScore": score, "last24h": samples})
}

func (s *Server) handleCronStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cron.Status())
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, _ *http.Request) {
	recent := s.events.Recent()
	if recent == nil {
		recent = []events.Event{}
	}
	writeJSON(w, http.StatusOK, recent)
}

// handleEventStream serves the live event feed as server-sent events. The
// subscription drops events rather than block a slow client.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleEnableSafeMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason    string `json:"reason"`
		EnabledBy string `json:"enabledBy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	token, err := s.healthSvc.EnableSafeMode(r.Context(), body.Reason, body.EnabledBy)
	if err != nil {
		s.serverError(w, err, "failed to enable safe mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "overrideToken": token})
}

func (s *Server) handleDisableSafeMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OverrideToken string `json:"overrideToken"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	ok, err := s.healthSvc.DisableSafeMode(r.Context(), body.OverrideToken)
	if err != nil {
		s.serverError(w, err, "failed to disable safe mode")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": ok})
}

// handleExecutiveReport builds a report on demand. With an Idempotency-Key
// header the build runs at most once per key; replays get the cached body.
func (s *Server) handleExecutiveReport(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || s.idem == nil {
		report, err := s.reports.Build(r.Context())
		if err != nil {
			s.serverError(w, err, "failed to build report")
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	result, err := s.idem.Execute(r.Context(), "report:"+key, func(ctx context.Context) (resilience.Response, error) {
		report, err := s.reports.Build(ctx)
		if err != nil {
			return resilience.Response{}, err
		}
		body, err := json.Marshal(report)
		if err != nil {
			return resilience.Response{}, err
		}
		return resilience.Response{StatusCode: http.StatusOK, Body: body}, nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrIdempotencyBusy) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "request already in flight"})
			return
		}
		s.serverError(w, err, "failed to build report")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	if _, err := w.Write(result.Body); err != nil {
		s.logger.Error().Err(err).Msg("failed to write response")
	}
}

// handleLoginAttempt ingests authentication outcomes from the upstream auth
// layer. Repeated failures inside the window lock the key out and persist a
// block the security middleware enforces.
func (s *Server) handleLoginAttempt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID  string `json:"userId"`
		IP      string `json:"ip"`
		Success bool   `json:"success"`
	}
	if err := decodeJSON(r, &body); err != nil || (body.UserID == "" && body.IP == "") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "userId or ip required"})
		return
	}

	key := "ip:" + body.IP
	targetType := types.BlockTargetIP
	if body.UserID != "" {
		key = "user:" + body.UserID
		targetType = types.BlockTargetUser
	}

	if body.Success {
		s.brute.RecordSuccess(key)
		writeJSON(w, http.StatusOK, map[string]any{"locked": false})
		return
	}

	locked := s.brute.RecordFailure(key)
	if locked {
		expires := time.Now().Add(s.brute.LockDuration())
		if err := s.store.UpsertSecurityBlock(r.Context(), key, targetType, "Brute force lockout", expires); err != nil {
			s.serverError(w, err, "failed to persist lockout")
			return
		}
		if err := s.store.InsertSecurityEvent(r.Context(), &types.SecurityEvent{
			EventType:   "BRUTE_FORCE_LOCKOUT",
			IP:          body.IP,
			UserID:      body.UserID,
			Severity:    types.SeverityHigh,
			AutoBlocked: true,
			Details:     types.JSONMap{"target": key},
		}); err != nil {
			s.logger.Error().Err(err).Msg("failed to record lockout event")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locked": locked})
}

func (s *Server) serverError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}
