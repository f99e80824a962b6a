/*
Package incident owns the incident lifecycle.

An incident is the durable record of something wrong: an invariant
violation, a security finding, a post-deploy regression, a panicking
job. The manager creates them with a forensic snapshot, deduplicates
per invariant, counts auto-heal attempts, escalates when healing stalls
and resolves them exactly once.

# Lifecycle

	OPEN ──heal attempt──▶ AUTO_HEALING ──attempts≥3 or age>15m──▶ ESCALATED
	  │                         │                                     │
	  └─────────────────────────┴──────────── resolve ────────────────┘
	                                              │
	                                              ▼
	                                          RESOLVED (terminal)

Transitions only move forward. A resolved incident is never reopened;
if the same invariant fails again a new incident is created.

# Deduplication

While a non-terminal incident exists for an invariant, further failures
of that invariant refresh its details instead of opening a second
incident. This holds across escalation: an ESCALATED incident still
absorbs new failures of its invariant.

# Forensics

Creation captures a snapshot of the system at the moment of failure:
open incident counts, key violation counters, database connections and
process memory, so the on-call engineer sees the context that existed
when the problem was detected, not the context at triage time.

# Escalation

Escalation fires when auto-healing has been attempted three times
without the incident resolving, or when the incident has simply been
open longer than fifteen minutes. Escalation pages through the alert
dispatcher at CRITICAL severity and is idempotent.
*/
package incident
