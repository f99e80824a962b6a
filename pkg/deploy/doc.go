/*
Package deploy gates deployments and watches for post-deploy
regressions.

# Gates

Six blocking gates run in parallel before a production deploy proceeds:

	NO_OPEN_P1_INCIDENTS   no unresolved P1s
	DRIFT_SCORE            latest drift score at or above the floor
	TEST_COVERAGE          coverage command output above the minimum
	BACKUP_FRESHNESS       a passed backup validation inside 24h
	ERROR_RATE             recent 5xx rate at or below the ceiling
	MIGRATIONS_CLEAN       no pending migrations

Every run is persisted whether it passes or not. Any blocker fails the
run with ErrGatesFailed and a CRITICAL alert; the coverage gate can be
skipped explicitly for emergency deploys, and that skip is recorded.

# Rollback Watcher

After a successful deploy the watcher captures the current error rate
and per-endpoint p95 as the baseline, then re-reads them every 30
seconds. A spike (error rate above 3% and double the baseline, or an
endpoint p95 above 500ms and double its baseline) must persist for a
full 60-second window before the watcher rolls back. Transient blips
that clear mid-window reset it. Rolling back stops the watcher, pages,
opens a P1 and invokes the configured rollback function.
*/
package deploy
