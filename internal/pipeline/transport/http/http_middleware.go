// Package httptransport provides rate limiting, auth and instrumentation middleware.
package httptransport

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lprpipeline/internal/pipeline/core"
)

// route wraps h with instrumentation, the api policy and, for admin routes,
// bearer token checks.
func (t *HTTPTransport) route(name string, admin bool, h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	if admin {
		handler = t.requireAdmin(handler)
	}
	handler = t.rateLimited(core.PolicyAPI, handler)
	handler = t.rateLimited(core.PolicyMiddleware, handler)
	return t.instrument(name, handler)
}

// rateLimited consumes policy for the client IP. A policy missing from the
// limiter's configuration admits every request.
func (t *HTTPTransport) rateLimited(policy string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.services.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := t.services.Limiter.Consume(r.Context(), policy, clientIP(r))
		if err != nil {
			if core.CodeOf(err) == core.CodeInvalidInput {
				next.ServeHTTP(w, r)
				return
			}
			t.writeError(w, r, err)
			return
		}
		setRateLimitHeaders(w, decision)
		if !decision.Allowed {
			t.writeThrottled(w, r, decision.RetryAfter, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin checks the bearer admin token. A client whose failures are
// blocked by the auth policy is refused before its token is compared.
func (t *HTTPTransport) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.cfg.EnableAuth {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + clientIP(r)
		if t.services.Limiter != nil {
			if remaining, blocked := t.services.Limiter.Blocked(core.PolicyAuth, key); blocked {
				t.writeThrottled(w, r, remaining, "too many failed authentication attempts")
				return
			}
		}
		if t.cfg.Tokens.IsAdmin(bearerToken(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if t.services.Limiter != nil {
			decision, err := t.services.Limiter.Consume(r.Context(), core.PolicyAuth, key)
			if err == nil && !decision.Allowed {
				t.writeThrottled(w, r, decision.RetryAfter, "too many failed authentication attempts")
				return
			}
		}
		t.writeError(w, r, core.Wrap(core.CodeUnauthorized, "unauthorized", nil))
	})
}

func (t *HTTPTransport) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.cfg.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		t.cfg.Metrics.IncRequest("http", name, strconv.Itoa(recorder.status))
		t.cfg.Metrics.ObserveLatency("http_"+name, time.Since(start))
	})
}

func (t *HTTPTransport) writeThrottled(w http.ResponseWriter, r *http.Request, retryAfter time.Duration, msg string) {
	setRetryAfter(w, retryAfter)
	t.logRequestError(r, http.StatusTooManyRequests, core.Wrap(core.CodeThrottled, msg, nil))
	writeJSON(w, http.StatusTooManyRequests, httpErrorResponse{
		Error:        msg,
		Code:         string(core.CodeThrottled),
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setRateLimitHeaders(w http.ResponseWriter, decision *core.Decision) {
	if decision == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(ceilSeconds(decision.ResetAfter), 10))
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(d), 10))
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
