package types

import (
	"time"
)

// Priority classifies incidents and invariants. P1 is the highest band.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// Severity classifies alerts and security events.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertSeverityFor maps an incident priority to the alert severity emitted
// when the incident is created.
func AlertSeverityFor(p Priority) Severity {
	switch p {
	case PriorityP1:
		return SeverityCritical
	case PriorityP2:
		return SeverityHigh
	case PriorityP3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IncidentStatus is the incident lifecycle state. Transitions are monotone
// forward; RESOLVED and CLOSED are terminal for the control plane.
type IncidentStatus string

const (
	IncidentOpen        IncidentStatus = "OPEN"
	IncidentAutoHealing IncidentStatus = "AUTO_HEALING"
	IncidentEscalated   IncidentStatus = "ESCALATED"
	IncidentResolved    IncidentStatus = "RESOLVED"
	IncidentClosed      IncidentStatus = "CLOSED"
)

// IsTerminal returns true once an incident can no longer be mutated by the
// control plane.
func (s IncidentStatus) IsTerminal() bool {
	return s == IncidentResolved || s == IncidentClosed
}

// Incident is a durable record of an anomalous condition.
type Incident struct {
	ID               string         `json:"id" db:"id"`
	Priority         Priority       `json:"priority" db:"priority"`
	Status           IncidentStatus `json:"status" db:"status"`
	Title            string         `json:"title" db:"title"`
	Invariant        string         `json:"invariant,omitempty" db:"invariant"`
	Details          JSONMap        `json:"details" db:"details"`
	Forensic         JSONMap        `json:"forensic" db:"forensic"`
	AutoHealAttempts int            `json:"autoHealAttempts" db:"auto_heal_attempts"`
	AutoHealed       bool           `json:"autoHealed" db:"auto_healed"`
	CreatedAt        time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time      `json:"updatedAt" db:"updated_at"`
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty" db:"resolved_at"`
	EscalatedAt      *time.Time     `json:"escalatedAt,omitempty" db:"escalated_at"`
	ResolvedBy       string         `json:"resolvedBy,omitempty" db:"resolved_by"`
	ResolvedReason   string         `json:"resolvedReason,omitempty" db:"resolved_reason"`
}

// IncidentSummary aggregates open incident counts per priority.
type IncidentSummary struct {
	OpenP1 int `json:"openP1"`
	OpenP2 int `json:"openP2"`
	OpenP3 int `json:"openP3"`
	OpenP4 int `json:"openP4"`
	Total  int `json:"total"`
}

// ViolationRecord is one counter-example found by an invariant check.
type ViolationRecord struct {
	EntityID   string `json:"entityId"`
	EntityType string `json:"entityType"`
	ShopID     string `json:"shopId,omitempty"`
	Detail     string `json:"detail"`
}

// InvariantViolation is the persisted form of a ViolationRecord.
type InvariantViolation struct {
	ID            string    `json:"id" db:"id"`
	Invariant     string    `json:"invariant" db:"invariant"`
	ShopID        string    `json:"shopId,omitempty" db:"shop_id"`
	EntityID      string    `json:"entityId" db:"entity_id"`
	EntityType    string    `json:"entityType" db:"entity_type"`
	Details       string    `json:"details" db:"details"`
	AutoCorrected bool      `json:"autoCorrected" db:"auto_corrected"`
	IncidentID    string    `json:"incidentId,omitempty" db:"incident_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// InvariantResult is the outcome of running a single invariant check.
type InvariantResult struct {
	Name          string            `json:"name"`
	Priority      Priority          `json:"priority"`
	Passed        bool              `json:"passed"`
	DriftScore    int               `json:"driftScore"`
	Violations    []ViolationRecord `json:"violations"`
	AutoCorrected bool              `json:"autoCorrected"`
	Err           string            `json:"error,omitempty"`
}

// DriftComponent records per-invariant pass/fail for one cycle.
type DriftComponent struct {
	Passed bool `json:"passed"`
	Count  int  `json:"count"`
}

// DriftScore is one persisted composite drift sample.
type DriftScore struct {
	ID         string                    `json:"id" db:"id"`
	Score      int                       `json:"score" db:"score"`
	Components map[string]DriftComponent `json:"components" db:"components"`
	CreatedAt  time.Time                 `json:"createdAt" db:"created_at"`
}

// HealthComponents are the six weighted contributions to the health score.
type HealthComponents struct {
	Integrity  int `json:"integrity"`
	ErrorRate  int `json:"errorRate"`
	Latency    int `json:"latency"`
	Incidents  int `json:"incidents"`
	Backup     int `json:"backup"`
	Migrations int `json:"migrations"`
}

// Total sums all components.
func (c HealthComponents) Total() int {
	return c.Integrity + c.ErrorRate + c.Latency + c.Incidents + c.Backup + c.Migrations
}

// HealthScore is one persisted health sample.
type HealthScore struct {
	ID         string           `json:"id" db:"id"`
	Score      int              `json:"score" db:"score"`
	Grade      string           `json:"grade"`
	Components HealthComponents `json:"components" db:"components"`
	SafeMode   bool             `json:"safeMode" db:"safe_mode"`
	RecordedAt time.Time        `json:"recordedAt" db:"recorded_at"`
}

// SafeModeState is the persisted singleton safe-mode row.
type SafeModeState struct {
	SafeMode      bool       `json:"safeMode" db:"safe_mode"`
	Reason        string     `json:"reason,omitempty" db:"reason"`
	EnabledAt     *time.Time `json:"enabledAt,omitempty" db:"enabled_at"`
	EnabledBy     string     `json:"enabledBy,omitempty" db:"enabled_by"`
	OverrideToken string     `json:"-" db:"override_token"`
	UpdatedAt     time.Time  `json:"updatedAt" db:"updated_at"`
}

// IdempotencyRecord deduplicates logical requests by client key.
type IdempotencyRecord struct {
	ID           string     `json:"id" db:"id"`
	ResponseBody []byte     `json:"responseBody,omitempty" db:"response_body"`
	StatusCode   int        `json:"statusCode,omitempty" db:"status_code"`
	Locked       bool       `json:"locked" db:"locked"`
	LockedAt     *time.Time `json:"lockedAt,omitempty" db:"locked_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	ExpiresAt    time.Time  `json:"expiresAt" db:"expires_at"`
}

// SecurityEvent is an append-only anomaly record.
type SecurityEvent struct {
	ID          string    `json:"id" db:"id"`
	EventType   string    `json:"eventType" db:"event_type"`
	IP          string    `json:"ip,omitempty" db:"ip"`
	UserID      string    `json:"userId,omitempty" db:"user_id"`
	Details     JSONMap   `json:"details" db:"details"`
	Severity    Severity  `json:"severity" db:"severity"`
	AutoBlocked bool      `json:"autoBlocked" db:"auto_blocked"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// BlockTargetType discriminates security block targets.
type BlockTargetType string

const (
	BlockTargetIP   BlockTargetType = "ip"
	BlockTargetUser BlockTargetType = "user_id"
)

// SecurityBlock is a persistent temporary block on an IP or user.
type SecurityBlock struct {
	ID         string          `json:"id" db:"id"`
	Target     string          `json:"target" db:"target"`
	TargetType BlockTargetType `json:"targetType" db:"target_type"`
	Reason     string          `json:"reason" db:"reason"`
	BlockedAt  time.Time       `json:"blockedAt" db:"blocked_at"`
	ExpiresAt  time.Time       `json:"expiresAt" db:"expires_at"`
	LiftedAt   *time.Time      `json:"liftedAt,omitempty" db:"lifted_at"`
	LiftedBy   string          `json:"liftedBy,omitempty" db:"lifted_by"`
}

// AuditChainEntry is one link in the tamper-evident audit log.
// RowHash = SHA256(PrevHash || ID || Action || EntityType || EntityID || CreatedAt).
type AuditChainEntry struct {
	ID         string    `json:"id" db:"id"`
	Action     string    `json:"action" db:"action"`
	EntityType string    `json:"entityType" db:"entity_type"`
	EntityID   string    `json:"entityId" db:"entity_id"`
	RowHash    string    `json:"rowHash" db:"row_hash"`
	PrevHash   string    `json:"prevHash" db:"prev_hash"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// GenesisHash is the sentinel prev_hash of the first audit entry.
const GenesisHash = "GENESIS"

// PerfObservation is one persisted per-endpoint performance sample.
type PerfObservation struct {
	ID              string    `json:"id" db:"id"`
	Endpoint        string    `json:"endpoint" db:"endpoint"`
	P95Ms           float64   `json:"p95Ms" db:"p95_ms"`
	P99Ms           float64   `json:"p99Ms" db:"p99_ms"`
	SampleCount     int       `json:"sampleCount" db:"sample_count"`
	SlowQuery       string    `json:"slowQuery,omitempty" db:"slow_query"`
	IndexSuggestion string    `json:"indexSuggestion,omitempty" db:"index_suggestion"`
	ObservedAt      time.Time `json:"observedAt" db:"observed_at"`
}

// BackupStatus is the terminal-sticky backup validation state.
type BackupStatus string

const (
	BackupPending BackupStatus = "PENDING"
	BackupPassed  BackupStatus = "PASSED"
	BackupFailed  BackupStatus = "FAILED"
)

// BackupValidation records the outcome of one backup validation run.
type BackupValidation struct {
	ID            string       `json:"id" db:"id"`
	BackupFile    string       `json:"backupFile" db:"backup_file"`
	SizeKB        int64        `json:"sizeKb" db:"size_kb"`
	Checksum      string       `json:"checksum" db:"checksum"`
	RestoreTested bool         `json:"restoreTested" db:"restore_tested"`
	DriftClean    bool         `json:"driftClean" db:"drift_clean"`
	IncidentID    string       `json:"incidentId,omitempty" db:"incident_id"`
	ValidatedAt   time.Time    `json:"validatedAt" db:"validated_at"`
	Status        BackupStatus `json:"status" db:"status"`
}

// GateResult is the outcome of one deployment gate predicate.
type GateResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail"`
	Blocking bool   `json:"blocking"`
}

// DeploymentGateRun is one persisted gate evaluation.
type DeploymentGateRun struct {
	ID          string       `json:"id" db:"id"`
	Passed      bool         `json:"passed" db:"passed"`
	Gates       []GateResult `json:"gates" db:"gates"`
	Blockers    []string     `json:"blockers" db:"blockers"`
	TriggeredBy string       `json:"triggeredBy,omitempty" db:"triggered_by"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
}

// ExecutiveReport is the daily roll-up, one per period date.
type ExecutiveReport struct {
	PeriodDate   string     `json:"periodDate" db:"period_date"`
	Report       JSONMap    `json:"report" db:"report"`
	Dispatched   bool       `json:"dispatched" db:"dispatched"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty" db:"dispatched_at"`
}

// JSONMap is an opaque JSON object persisted as jsonb.
type JSONMap map[string]any

// ForensicSnapshot is the diagnostic summary captured at incident creation.
type ForensicSnapshot struct {
	NegativeStockRows int     `json:"negativeStockRows"`
	PaymentGapSales   int     `json:"paymentGapSales"`
	ActiveConnections int     `json:"activeConnections"`
	HeapMB            float64 `json:"heapMb"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	Error             string  `json:"error,omitempty"`
}
