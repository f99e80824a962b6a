package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dukapos/opscore/pkg/log"
	"github.com/dukapos/opscore/pkg/metrics"
	"github.com/dukapos/opscore/pkg/perf"
	"github.com/dukapos/opscore/pkg/security"
	"github.com/dukapos/opscore/pkg/types"
)

// safeModeControlPrefix stays writable during safe mode so operators can
// disable it.
const safeModeControlPrefix = "/system-mode"

// userIDHeader carries the authenticated user id set by the upstream auth
// layer.
const userIDHeader = "X-User-ID"

// SafeModeStore reads the safe-mode singleton.
type SafeModeStore interface {
	GetSafeModeState(ctx context.Context) (*types.SafeModeState, error)
}

// BlockStore consults and records persistent security state.
type BlockStore interface {
	IsBlocked(ctx context.Context, target string) (bool, error)
	InsertSecurityEvent(ctx context.Context, ev *types.SecurityEvent) error
}

// safeModeMiddleware rejects mutating requests while safe mode is engaged.
// A failing safe-mode read fails closed.
func safeModeMiddleware(store SafeModeStore) func(http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, safeModeControlPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			state, err := store.GetSafeModeState(r.Context())
			if err != nil {
				logger.Error().Err(err).Msg("safe mode check failed, failing closed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error":    "SERVICE_IN_SAFE_MODE",
					"readOnly": true,
					"detail":   "safe mode state unavailable",
				})
				return
			}
			if state.SafeMode {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error":    "SERVICE_IN_SAFE_MODE",
					"readOnly": true,
					"reason":   state.Reason,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// securityMiddleware applies the in-process rate limit, then the persistent
// block list for both the client IP and the authenticated user.
func securityMiddleware(limiter *security.RateLimiter, store BlockStore) func(http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.Allow("ip:" + ip) {
				if err := store.InsertSecurityEvent(r.Context(), &types.SecurityEvent{
					EventType: "RATE_LIMIT_EXCEEDED",
					IP:        ip,
					Severity:  types.SeverityMedium,
					Details:   types.JSONMap{"path": r.URL.Path},
				}); err != nil {
					logger.Error().Err(err).Msg("failed to record rate limit event")
				}
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "RATE_LIMIT_EXCEEDED"})
				return
			}

			targets := []string{"ip:" + ip}
			if userID := r.Header.Get(userIDHeader); userID != "" {
				targets = append(targets, "user:"+userID)
			}
			for _, target := range targets {
				blocked, err := store.IsBlocked(r.Context(), target)
				if err != nil {
					logger.Error().Err(err).Str("target", target).Msg("block check failed")
					continue
				}
				if blocked {
					if err := store.InsertSecurityEvent(r.Context(), &types.SecurityEvent{
						EventType: "BLOCKED_REQUEST",
						IP:        ip,
						Severity:  types.SeverityHigh,
						Details:   types.JSONMap{"target": target, "path": r.URL.Path},
					}); err != nil {
						logger.Error().Err(err).Msg("failed to record block event")
					}
					writeJSON(w, http.StatusForbidden, map[string]any{"error": "BLOCKED"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accountingMiddleware records per-route latency and maintains the global
// error-rate gauge.
func accountingMiddleware(tracker *perf.LatencyTracker, registry *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := float64(time.Since(started).Microseconds()) / 1000

			route := routePattern(r)
			tracker.Record(route, elapsed)
			registry.Record("http.request_duration_ms", elapsed)

			total := registry.Increment("http.requests_total", 1)
			errorsTotal := registry.Counter("http.errors_total")
			if ww.Status() >= 500 {
				errorsTotal = registry.Increment("http.errors_total", 1)
			}
			registry.SetGauge("http.error_rate", errorsTotal/total)
		})
	}
}

func routePattern(r *http.Request) string {
	pattern := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		pattern = rctx.RoutePattern()
	}
	return r.Method + " " + pattern
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
