package incident

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/events"
	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/types"
)

// EventPublisher mirrors lifecycle transitions onto the operational event
// stream.
type EventPublisher interface {
	Publish(ev *events.Event)
}

const (
	// escalateAfterAttempts escalates an incident once auto-healing has been
	// tried this many times without resolving it.
	escalateAfterAttempts = 3

	// escalateAfterAge escalates any incident still open past this age.
	escalateAfterAge = 15 * time.Minute
)

// Store is the persistence surface the manager needs.
type Store interface {
	CreateIncident(ctx context.Context, inc *types.Incident) error
	GetIncident(ctx context.Context, id string) (*types.Incident, error)
	UpdateIncident(ctx context.Context, inc *types.Incident) error
	FindOpenIncidentByInvariant(ctx context.Context, invariant string) (*types.Incident, error)
	OpenIncidentSummary(ctx context.Context) (types.IncidentSummary, error)
	ListOpenIncidents(ctx context.Context, limit int) ([]*types.Incident, error)

	CountNegativeStock(ctx context.Context) (int, error)
	CountPaymentGapSales(ctx context.Context) (int, error)
	ActiveConnections(ctx context.Context) (int, error)
}

// Manager owns the incident lifecycle: creation with forensic capture,
// heal-attempt accounting, escalation and resolution. All transitions move
// forward only; terminal incidents are never reopened.
type Manager struct {
	store      Store
	dispatcher *alert.Dispatcher
	registry   *metrics.Registry
	publisher  EventPublisher
	logger     zerolog.Logger
	startedAt  time.Time

	now func() time.Time
}

// NewManager wires an incident manager over the store and alert dispatcher.
func NewManager(store Store, dispatcher *alert.Dispatcher, registry *metrics.Registry) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		registry:   registry,
		logger:     log.WithComponent("incident"),
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// SetEventPublisher attaches the event stream. Optional; a nil publisher
// simply mutes the mirror.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	m.publisher = p
}

func (m *Manager) publish(eventType events.EventType, inc *types.Incident, message string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(&events.Event{
		Type:     eventType,
		Severity: types.AlertSeverityFor(inc.Priority),
		Message:  message,
		Metadata: map[string]string{
			"incidentId": inc.ID,
			"priority":   string(inc.Priority),
			"invariant":  inc.Invariant,
		},
	})
}

// Create opens a new incident, capturing a forensic snapshot and emitting an
// alert whose severity tracks the incident priority.
func (m *Manager) Create(ctx context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error) {
	now := m.now().UTC()
	inc := &types.Incident{
		ID:        uuid.New().String(),
		Priority:  priority,
		Status:    types.IncidentOpen,
		Title:     title,
		Invariant: invariant,
		Details:   details,
		Forensic:  m.snapshot(ctx),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if inc.Details == nil {
		inc.Details = types.JSONMap{}
	}
	if err := m.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to open incident: %w", err)
	}

	m.registry.Increment(fmt.Sprintf("incidents.created.%s", priority), 1)
	m.logger.Warn().
		Str("incident_id", inc.ID).
		Str("priority", string(priority)).
		Str("title", title).
		Msg("incident opened")

	m.dispatcher.Send(ctx, alert.Alert{
		Severity: types.AlertSeverityFor(priority),
		Title:    fmt.Sprintf("[%s] %s", priority, title),
		Body:     fmt.Sprintf("Incident %s opened (invariant: %s)", inc.ID, invariant),
	})
	m.publish(events.EventIncidentCreated, inc, title)
	return inc, nil
}

// CreateOrUpdateFromInvariant dedupes per invariant: while a non-terminal
// incident for the invariant exists, the recurring failure counts as one
// more heal attempt on it instead of opening a second incident, so a
// violation that keeps coming back walks the incident through AUTO_HEALING
// and into ESCALATED.
func (m *Manager) CreateOrUpdateFromInvariant(ctx context.Context, priority types.Priority, invariant string, violationCount int) (*types.Incident, error) {
	existing, err := m.store.FindOpenIncidentByInvariant(ctx, invariant)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Details == nil {
			existing.Details = types.JSONMap{}
		}
		existing.Details["lastViolationCount"] = violationCount
		existing.Details["lastSeenAt"] = m.now().UTC().Format(time.RFC3339)
		existing.UpdatedAt = m.now().UTC()
		if err := m.store.UpdateIncident(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to refresh incident: %w", err)
		}
		return m.RecordHealAttempt(ctx, existing.ID)
	}
	title := fmt.Sprintf("Invariant violation: %s", invariant)
	return m.Create(ctx, priority, title, invariant, types.JSONMap{
		"violationCount": violationCount,
	})
}

// AutoResolveForInvariant closes the open incident for an invariant once the
// violation clears. A no-op when nothing is open.
func (m *Manager) AutoResolveForInvariant(ctx context.Context, invariant, reason string) error {
	existing, err := m.store.FindOpenIncidentByInvariant(ctx, invariant)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = m.AutoResolve(ctx, existing.ID, reason)
	return err
}

// RecordHealAttempt bumps the auto-heal counter and moves the incident to
// AUTO_HEALING. The incident escalates once attempts reach the cap or its
// age exceeds the escalation window, whichever comes first.
func (m *Manager) RecordHealAttempt(ctx context.Context, id string) (*types.Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %s not found", id)
	}
	if inc.Status.IsTerminal() {
		return inc, nil
	}

	inc.AutoHealAttempts++
	if inc.Status == types.IncidentOpen {
		inc.Status = types.IncidentAutoHealing
	}
	inc.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to record heal attempt: %w", err)
	}

	if inc.AutoHealAttempts >= escalateAfterAttempts || m.now().Sub(inc.CreatedAt) > escalateAfterAge {
		return m.Escalate(ctx, inc.ID)
	}
	return inc, nil
}

// Escalate moves an OPEN or AUTO_HEALING incident to ESCALATED and pages.
// Already-escalated and terminal incidents are left untouched.
func (m *Manager) Escalate(ctx context.Context, id string) (*types.Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %s not found", id)
	}
	if inc.Status != types.IncidentOpen && inc.Status != types.IncidentAutoHealing {
		return inc, nil
	}

	now := m.now().UTC()
	inc.Status = types.IncidentEscalated
	inc.EscalatedAt = &now
	inc.UpdatedAt = now
	if err := m.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to escalate incident: %w", err)
	}

	m.registry.Increment("incidents.escalated", 1)
	m.logger.Error().
		Str("incident_id", inc.ID).
		Int("heal_attempts", inc.AutoHealAttempts).
		Msg("incident escalated")

	m.dispatcher.Send(ctx, alert.Alert{
		Severity: types.SeverityCritical,
		Title:    fmt.Sprintf("ESCALATED: %s", inc.Title),
		Body: fmt.Sprintf("Incident %s escalated after %d heal attempts (open since %s)",
			inc.ID, inc.AutoHealAttempts, inc.CreatedAt.Format(time.RFC3339)),
	})
	m.publish(events.EventIncidentEscalated, inc, inc.Title)
	return inc, nil
}

// AutoResolve closes an incident healed by the control plane. Terminal
// incidents are left as-is.
func (m *Manager) AutoResolve(ctx context.Context, id, reason string) (*types.Incident, error) {
	return m.resolve(ctx, id, "auto-heal", reason, true)
}

// Resolve closes an incident on behalf of an operator.
func (m *Manager) Resolve(ctx context.Context, id, resolvedBy, reason string) (*types.Incident, error) {
	return m.resolve(ctx, id, resolvedBy, reason, false)
}

func (m *Manager) resolve(ctx context.Context, id, resolvedBy, reason string, autoHealed bool) (*types.Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("incident %s not found", id)
	}
	if inc.Status.IsTerminal() {
		return inc, nil
	}

	now := m.now().UTC()
	inc.Status = types.IncidentResolved
	inc.ResolvedAt = &now
	inc.ResolvedBy = resolvedBy
	inc.ResolvedReason = reason
	inc.AutoHealed = autoHealed
	inc.UpdatedAt = now
	if err := m.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("failed to resolve incident: %w", err)
	}

	m.registry.Increment("incidents.resolved", 1)
	m.logger.Info().
		Str("incident_id", inc.ID).
		Bool("auto_healed", autoHealed).
		Str("reason", reason).
		Msg("incident resolved")
	m.publish(events.EventIncidentResolved, inc, reason)
	return inc, nil
}

// OpenP1Count returns the number of non-terminal P1 incidents.
func (m *Manager) OpenP1Count(ctx context.Context) (int, error) {
	summary, err := m.store.OpenIncidentSummary(ctx)
	if err != nil {
		return 0, err
	}
	return summary.OpenP1, nil
}

// Summary aggregates open incidents per priority band.
func (m *Manager) Summary(ctx context.Context) (types.IncidentSummary, error) {
	return m.store.OpenIncidentSummary(ctx)
}

// ListOpen returns open incidents, highest priority first.
func (m *Manager) ListOpen(ctx context.Context, limit int) ([]*types.Incident, error) {
	return m.store.ListOpenIncidents(ctx, limit)
}

// snapshot captures process and database state at incident creation. A
// failed capture never blocks the incident itself.
func (m *Manager) snapshot(ctx context.Context) types.JSONMap {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := types.ForensicSnapshot{
		HeapMB:        float64(mem.HeapAlloc) / (1024 * 1024),
		UptimeSeconds: m.now().Sub(m.startedAt).Seconds(),
	}

	var err error
	if snap.NegativeStockRows, err = m.store.CountNegativeStock(ctx); err == nil {
		if snap.PaymentGapSales, err = m.store.CountPaymentGapSales(ctx); err == nil {
			snap.ActiveConnections, err = m.store.ActiveConnections(ctx)
		}
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("forensic snapshot incomplete")
		return types.JSONMap{"error": "snapshot_failed"}
	}

	return types.JSONMap{
		"negativeStockRows": snap.NegativeStockRows,
		"paymentGapSales":   snap.PaymentGapSales,
		"activeConnections": snap.ActiveConnections,
		"heapMb":            snap.HeapMB,
		"uptimeSeconds":     snap.UptimeSeconds,
	}
}
