package invariant

import (
	"math"

	"github.com/dukapos/opscore/pkg/types"
)

// driftWeights caps how much each invariant can pull the composite score
// down. Unlisted invariants weigh defaultDriftWeight.
var driftWeights = map[string]float64{
	NoNegativeStock:        25,
	SaleTotalMatchesItems:  20,
	PaymentSumMatchesTotal: 20,
	NoDuplicateInvoices:    15,
	StockMovementBalance:   10,
	CreditLimitNotExceeded: 7,
	NoOrphanedSaleItems:    3,
}

const defaultDriftWeight = 5

// CompositeDriftScore folds one cycle's results into a 0-100 score. Each
// failed invariant subtracts min(weight, weight*log10(count+1)), so a single
// rogue row costs less than a widespread violation class while no invariant
// can subtract more than its weight.
func CompositeDriftScore(results []types.InvariantResult) int {
	score := 100.0
	for _, r := range results {
		if r.Passed {
			continue
		}
		weight, ok := driftWeights[r.Name]
		if !ok {
			weight = defaultDriftWeight
		}
		count := float64(len(r.Violations))
		if count == 0 {
			// A check that errored has no counter-examples but still failed.
			count = 1
		}
		score -= math.Min(weight, weight*math.Log10(count+1))
	}
	if score < 0 {
		return 0
	}
	return int(math.RoundToEven(score))
}

// DriftComponents summarizes results for the persisted sample.
func DriftComponents(results []types.InvariantResult) map[string]types.DriftComponent {
	components := make(map[string]types.DriftComponent, len(results))
	for _, r := range results {
		components[r.Name] = types.DriftComponent{
			Passed: r.Passed,
			Count:  len(r.Violations),
		}
	}
	return components
}
