/*
Package invariant runs the data-integrity catalogue and computes the drift
score.

The catalogue is a fixed, ordered list of checks over the production
database. Each check names a business rule that must always hold (stock
never negative, sale totals matching their items, payments covering their
sales) and returns the concrete rows violating it. The engine runs the
whole catalogue on a cadence, never letting one failing check stop the
rest, and folds the results into a single 0-100 drift score.

# Architecture

	┌────────────────── INVARIANT ENGINE ─────────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐          │
	│  │              Catalogue                    │          │
	│  │  NO_NEGATIVE_STOCK            (P1, w=25)  │          │
	│  │  SALE_TOTAL_MATCHES_ITEMS     (P1, w=20)  │          │
	│  │  PAYMENT_SUM_MATCHES_TOTAL    (P1, w=20)  │          │
	│  │  NO_DUPLICATE_INVOICES        (P1, w=15)  │          │
	│  │  STOCK_MOVEMENT_BALANCE       (P2, w=10)  │          │
	│  │  CREDIT_LIMIT_NOT_EXCEEDED    (P2, w=7)   │          │
	│  │  NO_ORPHANED_SALE_ITEMS       (P3, w=3)*  │          │
	│  │                   *auto-corrected         │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │ RunCycle                          │
	│  ┌──────────────────▼────────────────────────┐          │
	│  │  per-check: query → violations →          │          │
	│  │  auto-correct (when safe) → result        │          │
	│  └──────────────────┬────────────────────────┘          │
	│                     │                                   │
	│       ┌─────────────┼──────────────┐                    │
	│       ▼             ▼              ▼                    │
	│  drift score   violation rows   incident sink           │
	│  (gauge+row)   (capped at 100)  (raise / clear)         │
	└─────────────────────────────────────────────────────────┘

# Drift Score

The composite score starts at 100 and subtracts, per failing check,
min(weight, weight*log10(count+1)), rounded to even and floored at zero.
The logarithm keeps one stray row from reading like a catastrophe while
still letting mass corruption drain the score. A check that errored
counts as a single violation of that check.

# Auto-Correction

Only checks marked safe to auto-correct may mutate data, and the only
one today is NO_ORPHANED_SALE_ITEMS: deleting a sale item whose sale is
gone cannot lose information. A successfully corrected check passes its
cycle, but the violations it found are still recorded with the
auto-corrected flag so the cleanup stays visible.

# Incident Feedback

After each cycle every failing check raises (or refreshes) the incident
for its invariant, and every passing check clears one if it exists. The
incident manager owns dedup and escalation; this package only reports
what it saw.
*/
package invariant
