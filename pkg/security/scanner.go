package security

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/storage"
	"github.com/dukapos/opscore/pkg/types"
)

const (
	// rapidFireMaxSales is the confirmed-sale count per 5-minute window
	// above which a seller is treated as anomalous.
	rapidFireMaxSales = 20

	// rapidFireBlock is how long an anomalous seller is auto-blocked.
	rapidFireBlock = time.Hour
)

// ScannerStore is the persistence surface the pattern scanner needs.
type ScannerStore interface {
	InsertSecurityEvent(ctx context.Context, ev *types.SecurityEvent) error
	UpsertSecurityBlock(ctx context.Context, target string, targetType types.BlockTargetType, reason string, expiresAt time.Time) error
	LargeTransactionsSince(ctx context.Context, since time.Time, minTotal int64) ([]storage.LargeTransaction, error)
	RapidFireSellers(ctx context.Context, since time.Time, maxSales int) ([]storage.RapidFireSeller, error)
	VoidSpikeShops(ctx context.Context, since time.Time) ([]storage.VoidSpikeShop, error)
}

// IncidentOpener opens incidents for the scanner's worst findings.
type IncidentOpener interface {
	Create(ctx context.Context, priority types.Priority, title, invariant string, details types.JSONMap) (*types.Incident, error)
}

// Scanner runs the periodic SQL-backed fraud sweeps.
type Scanner struct {
	store     ScannerStore
	incidents IncidentOpener
	registry  *metrics.Registry
	logger    zerolog.Logger

	largeTransactionMin int64
	now                 func() time.Time
}

// NewScanner builds a scanner flagging confirmed sales at or above
// largeTransactionMin minor units.
func NewScanner(store ScannerStore, incidents IncidentOpener, registry *metrics.Registry, largeTransactionMin int64) *Scanner {
	return &Scanner{
		store:               store,
		incidents:           incidents,
		registry:            registry,
		logger:              log.WithComponent("security"),
		largeTransactionMin: largeTransactionMin,
		now:                 time.Now,
	}
}

// Scan runs all three sweeps. Each sweep's failure is logged without
// stopping the others.
func (s *Scanner) Scan(ctx context.Context) error {
	var firstErr error
	for _, sweep := range []func(context.Context) error{
		s.scanLargeTransactions,
		s.scanRapidFire,
		s.scanVoidSpikes,
	} {
		if err := sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("security sweep failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Scanner) scanLargeTransactions(ctx context.Context) error {
	since := s.now().Add(-24 * time.Hour)
	sales, err := s.store.LargeTransactionsSince(ctx, since, s.largeTransactionMin)
	if err != nil {
		return err
	}
	for _, sale := range sales {
		err := s.store.InsertSecurityEvent(ctx, &types.SecurityEvent{
			EventType: "LARGE_TRANSACTION",
			UserID:    sale.UserID,
			Severity:  types.SeverityMedium,
			Details: types.JSONMap{
				"saleId": sale.SaleID,
				"shopId": sale.ShopID,
				"total":  sale.Total,
			},
		})
		if err != nil {
			return err
		}
	}
	s.registry.SetGauge("security.large_transactions", float64(len(sales)))
	return nil
}

func (s *Scanner) scanRapidFire(ctx context.Context) error {
	since := s.now().Add(-time.Hour)
	sellers, err := s.store.RapidFireSellers(ctx, since, rapidFireMaxSales)
	if err != nil {
		return err
	}
	for _, seller := range sellers {
		target := "user:" + seller.UserID
		reason := fmt.Sprintf("RAPID_FIRE_SALES: %d sales in 5 minutes", seller.Count)
		if err := s.store.UpsertSecurityBlock(ctx, target, types.BlockTargetUser, reason, s.now().Add(rapidFireBlock)); err != nil {
			return err
		}
		err := s.store.InsertSecurityEvent(ctx, &types.SecurityEvent{
			EventType:   "RAPID_FIRE_SALES",
			UserID:      seller.UserID,
			Severity:    types.SeverityHigh,
			AutoBlocked: true,
			Details:     types.JSONMap{"salesIn5Min": seller.Count},
		})
		if err != nil {
			return err
		}
		s.logger.Warn().Str("user_id", seller.UserID).Int("count", seller.Count).Msg("rapid-fire seller auto-blocked")
	}
	return nil
}

func (s *Scanner) scanVoidSpikes(ctx context.Context) error {
	since := s.now().Add(-time.Hour)
	shops, err := s.store.VoidSpikeShops(ctx, since)
	if err != nil {
		return err
	}
	for _, shop := range shops {
		err := s.store.InsertSecurityEvent(ctx, &types.SecurityEvent{
			EventType: "VOID_SPIKE",
			Severity:  types.SeverityHigh,
			Details: types.JSONMap{
				"shopId":    shop.ShopID,
				"confirmed": shop.Confirmed,
				"voided":    shop.Voided,
				"fraction":  shop.Fraction,
			},
		})
		if err != nil {
			return err
		}
		_, err = s.incidents.Create(ctx, types.PriorityP2,
			fmt.Sprintf("Void spike at shop %s", shop.ShopID), "",
			types.JSONMap{
				"shopId":   shop.ShopID,
				"voided":   shop.Voided,
				"fraction": shop.Fraction,
			})
		if err != nil {
			return err
		}
	}
	return nil
}
