/*
Package perf tracks latency, memory growth and overload risk.

LatencyTracker keeps a rolling in-memory sample buffer per endpoint
(capped, reset when stale) and answers percentile queries over it.
MemTrend samples process heap usage once a minute and fits a
least-squares slope; sustained growth above 5 MB/min reads as a leak.

The engine combines worst-endpoint p95, pool saturation, error rate
and memory growth into a 0-100 overload score and band
(LOW/MEDIUM/HIGH/CRITICAL). A CRITICAL band opens a P2 incident
carrying the full signal set. Cycles also persist per-endpoint
observations and the current database advisories (slowest query,
missing-index suggestion) for trend analysis.
*/
package perf
