/*
Package api serves the HTTP control surface.

Every request passes the middleware chain in order:

 1. safe mode: mutating requests are refused with 503 while safe mode
    is engaged; the /system-mode prefix stays writable so operators can
    disengage; a failing safe-mode read fails closed
 2. security: in-memory rate limit, then the persistent block list for
    the client IP and authenticated user
 3. accounting: per-route latency into the tracker, request/error
    counters and the error-rate gauge into the registry

The read surface exposes health, incidents, drift status, cron status,
the event stream (bounded history and a live server-sent-events feed)
and metrics (Prometheus and JSON). The write surface is deliberately
small: safe-mode control, on-demand executive reports and the
login-attempt ingest that feeds brute-force lockouts. Report requests
carrying an Idempotency-Key header are deduplicated through the
idempotency registry.
*/
package api
