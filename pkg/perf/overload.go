package perf

// RiskBand classifies the overload score.
type RiskBand string

const (
	RiskLow      RiskBand = "LOW"
	RiskMedium   RiskBand = "MEDIUM"
	RiskHigh     RiskBand = "HIGH"
	RiskCritical RiskBand = "CRITICAL"
)

// OverloadSignals are the inputs to the overload predictor.
type OverloadSignals struct {
	P95Ms             float64 `json:"p95Ms"`
	BaselineP50Ms     float64 `json:"baselineP50Ms"`
	SaturationPct     float64 `json:"saturationPct"`
	ErrorRatePct      float64 `json:"errorRatePct"`
	MemGrowthMBPerMin float64 `json:"memGrowthMbPerMin"`
}

// OverloadScore combines the signals into a 0-100 score. Each signal
// contributes independently so a single degraded dimension cannot reach
// CRITICAL on its own.
func OverloadScore(s OverloadSignals) int {
	score := 0
	if s.BaselineP50Ms > 0 {
		switch {
		case s.P95Ms > 2*s.BaselineP50Ms:
			score += 30
		case s.P95Ms > 1.5*s.BaselineP50Ms:
			score += 15
		}
	}
	switch {
	case s.SaturationPct > 85:
		score += 35
	case s.SaturationPct > 70:
		score += 15
	}
	switch {
	case s.ErrorRatePct > 5:
		score += 30
	case s.ErrorRatePct > 1:
		score += 15
	}
	if s.MemGrowthMBPerMin > 10 {
		score += 20
	}
	return score
}

// BandFor maps a score to its risk band.
func BandFor(score int) RiskBand {
	switch {
	case score >= 70:
		return RiskCritical
	case score >= 45:
		return RiskHigh
	case score >= 20:
		return RiskMedium
	default:
		return RiskLow
	}
}
