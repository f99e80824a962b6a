/*
Package health computes the weighted system health score and owns safe
mode.

# Scoring

The score is a 0-100 sum of six weighted components:

	integrity   30  latest drift score, scaled
	error rate  20  HTTP 5xx fraction over recent traffic
	latency     15  worst endpoint p95 against budget
	incidents   20  open incidents, weighted by priority
	backup      10  age of last passed backup validation
	migrations   5  pending migrations (partial credit when unknown)

Grades: A at 90+, B at 75+, C at 60+, D at 40+, F below 40.

# Safe Mode

An F-grade score engages safe mode automatically: the platform refuses
mutating requests until the score recovers or an operator intervenes.
Engagement issues a one-time override token; disengaging requires
presenting it back. Scores in the 40s alert at CRITICAL without
engaging, so a degrading system pages before it locks.

Safe mode state lives in the database, not in process memory, so every
replica of the control surface enforces it and a restart cannot
silently drop it.
*/
package health
