package metrics

import (
	"time"

	"github.com/dukapos/opscore/pkg/types"
)

// Operator compares a gauge value against a threshold value.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// Threshold declares a breach condition on a gauge.
type Threshold struct {
	Metric   string
	Operator Operator
	Value    float64
	Severity types.Severity
	Cooldown time.Duration
}

// Breach is emitted when a gauge write violates a threshold outside its
// cooldown window.
type Breach struct {
	Threshold Threshold
	Actual    float64
	At        time.Time
}

// BreachHandler receives threshold breaches.
type BreachHandler func(Breach)

// DeclareThreshold registers a threshold to evaluate on every write of its
// metric.
func (r *Registry) DeclareThreshold(t Threshold) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = append(r.thresholds, t)
}

// OnThresholdBreach registers an observer for breach events.
func (r *Registry) OnThresholdBreach(h BreachHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, h)
}

// evaluateLocked checks all thresholds declared for name against value and
// returns the breaches whose cooldown has lapsed. Caller holds r.mu.
func (r *Registry) evaluateLocked(name string, value float64) []Breach {
	var breaches []Breach
	now := r.now()
	for _, t := range r.thresholds {
		if t.Metric != name || !t.breached(value) {
			continue
		}
		if last, ok := r.lastBreach[name]; ok && now.Sub(last) < t.Cooldown {
			continue
		}
		r.lastBreach[name] = now
		breaches = append(breaches, Breach{Threshold: t, Actual: value, At: now})
	}
	return breaches
}

func (t Threshold) breached(v float64) bool {
	switch t.Operator {
	case OpGreater:
		return v > t.Value
	case OpLess:
		return v < t.Value
	case OpGreaterEqual:
		return v >= t.Value
	case OpLessEqual:
		return v <= t.Value
	default:
		return false
	}
}
