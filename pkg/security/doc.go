/*
Package security holds the request-path defenses and the background
threat scanner.

# Request Path

RateLimiter is a sliding-window per-key limiter: exceeding the
per-minute limit blocks the key for five minutes. BruteForceDetector
tracks authentication failures per key and locks the key out after ten
failures inside fifteen minutes. Both are in-memory; persistent blocks
(the ones the middleware enforces across restarts) live in the
security_blocks table.

# Background Scanner

The scanner sweeps recent activity on a cadence:

  - large transactions above the configured floor → MEDIUM event
  - rapid-fire selling (>20 sales in 5 minutes by one user) → HIGH
    event plus an automatic user block for an hour
  - void spikes per shop → HIGH event plus a P2 incident

Each sweep is independent; one failing sweep never stops the others.

# Audit Chain Verification

The audit log is a hash chain: every row's hash covers the previous
row's hash. The verifier walks a prefix of the chain recomputing hashes
and raises a P1 AUDIT_LOG_TAMPER_DETECTED incident at the first broken
link, with enough detail to locate the forged row.
*/
package security
