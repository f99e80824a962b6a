/*
Package cron schedules the platform's recurring jobs.

Each registered job runs on its own timer goroutine, so a slow job
never delays the others. Jobs flagged run-on-start fire once shortly
after boot, staggered across the first ten seconds so a restart does
not hit the database with every engine at once.

A job that returns an error is logged and counted; a job that panics
is recovered, converted into a P2 incident and a CRITICAL alert, and
keeps its schedule. Stop cancels the shared context and waits, bounded,
for in-flight runs to drain.

Per-job gauges and counters (last run duration, success and error
totals) feed the metrics registry, and Status serves the per-job view
for the control surface.
*/
package cron
