/*
Package resilience provides the platform's failure-handling primitives.

Breaker wraps sony/gobreaker with metrics: trip after five consecutive
failures, probe after 30 seconds, close after two successful probes.
WithDeadlockRetry retries transient database conflicts (serialization
failures, deadlocks, lock timeouts) with jittered exponential backoff;
WithNetworkRetry retries transport failures through a breaker and never
retries an open circuit.

Idempotency deduplicates logical requests by client key with a
reserve/complete protocol over the database, including a bounded wait
for a concurrent holder to finish, and DuplicateDetector flags
suspiciously similar requests inside a short window. Expired records
are purged by a scheduled cleanup.
*/
package resilience
