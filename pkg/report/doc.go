/*
Package report builds the daily executive summary.

The report aggregates the last 24 hours (drift score and trend, open
incidents by priority, incidents opened and auto-healed, security
events by type, backup freshness) into one JSON document, upserted per
period date so reruns are idempotent. When a webhook is configured the
report is also dispatched; dispatch failure is logged but never fails
the cycle, since the persisted report is the source of truth.
*/
package report
