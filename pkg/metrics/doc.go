/*
Package metrics is the in-process metrics registry.

Gauges, counters and bounded histograms live in one mutex-guarded
registry. Writes to a gauge also evaluate declared thresholds and
notify breach observers (the alert dispatcher binds itself as one), so
alerting on a metric is a declaration, not a polling loop.

The registry exports to Prometheus through a collector adapter and to
the control surface as a JSON snapshot.
*/
package metrics
