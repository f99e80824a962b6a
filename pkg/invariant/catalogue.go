package invariant

import (
	"context"

	"github.com/dukapos/opscore/pkg/types"
)

// Invariant names are a stable external contract: drift weights, dashboards
// and incident dedup all key on them.
const (
	NoNegativeStock         = "NO_NEGATIVE_STOCK"
	SaleTotalMatchesItems   = "SALE_TOTAL_MATCHES_LINE_ITEMS"
	PaymentSumMatchesTotal  = "PAYMENT_SUM_MATCHES_SALE_TOTAL"
	NoDuplicateInvoices     = "NO_DUPLICATE_INVOICES"
	StockMovementBalance    = "STOCK_MOVEMENT_BALANCE"
	CreditLimitNotExceeded  = "CREDIT_LIMIT_NOT_EXCEEDED"
	NoOrphanedSaleItems     = "NO_ORPHANED_SALE_ITEMS"
)

// Invariant is one integrity check over business state.
type Invariant interface {
	Name() string
	Priority() types.Priority
	SafeToAutoCorrect() bool
	Check(ctx context.Context) ([]types.ViolationRecord, error)
	// AutoCorrect is called only when SafeToAutoCorrect reports true.
	AutoCorrect(ctx context.Context, violations []types.ViolationRecord) error
}

// Queries is the storage surface the built-in catalogue runs against.
type Queries interface {
	NegativeStockRows(ctx context.Context) ([]types.ViolationRecord, error)
	SaleTotalMismatches(ctx context.Context) ([]types.ViolationRecord, error)
	PaymentMismatches(ctx context.Context) ([]types.ViolationRecord, error)
	DuplicateInvoices(ctx context.Context) ([]types.ViolationRecord, error)
	StockMovementImbalances(ctx context.Context) ([]types.ViolationRecord, error)
	CreditLimitExceeded(ctx context.Context) ([]types.ViolationRecord, error)
	OrphanedSaleItems(ctx context.Context) ([]types.ViolationRecord, error)
	DeleteOrphanedSaleItems(ctx context.Context, ids []string) error
}

// queryInvariant adapts one storage query into an Invariant.
type queryInvariant struct {
	name        string
	priority    types.Priority
	check       func(ctx context.Context) ([]types.ViolationRecord, error)
	autoCorrect func(ctx context.Context, violations []types.ViolationRecord) error
}

func (q *queryInvariant) Name() string             { return q.name }
func (q *queryInvariant) Priority() types.Priority { return q.priority }
func (q *queryInvariant) SafeToAutoCorrect() bool  { return q.autoCorrect != nil }

func (q *queryInvariant) Check(ctx context.Context) ([]types.ViolationRecord, error) {
	return q.check(ctx)
}

func (q *queryInvariant) AutoCorrect(ctx context.Context, violations []types.ViolationRecord) error {
	if q.autoCorrect == nil {
		return nil
	}
	return q.autoCorrect(ctx, violations)
}

// Catalogue returns the built-in checks in their registration order, which
// is also their execution order within a cycle.
func Catalogue(q Queries) []Invariant {
	return []Invariant{
		&queryInvariant{name: NoNegativeStock, priority: types.PriorityP1, check: q.NegativeStockRows},
		&queryInvariant{name: SaleTotalMatchesItems, priority: types.PriorityP1, check: q.SaleTotalMismatches},
		&queryInvariant{name: PaymentSumMatchesTotal, priority: types.PriorityP1, check: q.PaymentMismatches},
		&queryInvariant{name: NoDuplicateInvoices, priority: types.PriorityP1, check: q.DuplicateInvoices},
		&queryInvariant{name: StockMovementBalance, priority: types.PriorityP2, check: q.StockMovementImbalances},
		&queryInvariant{name: CreditLimitNotExceeded, priority: types.PriorityP2, check: q.CreditLimitExceeded},
		&queryInvariant{
			name:     NoOrphanedSaleItems,
			priority: types.PriorityP3,
			check:    q.OrphanedSaleItems,
			autoCorrect: func(ctx context.Context, violations []types.ViolationRecord) error {
				ids := make([]string, 0, len(violations))
				for _, v := range violations {
					ids = append(ids, v.EntityID)
				}
				return q.DeleteOrphanedSaleItems(ctx, ids)
			},
		},
	}
}
