package api

import (
	"net/http"
	"strings"

	"duel/internal/admission"
)

// clientIdentity resolves the real client behind a proxy. Identity
// resolution is a transport concern; the admission controller only sees
// the resolved string.
func clientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the original client
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// requestCategory buckets a request for admission control so a burst of
// one traffic class cannot starve another from the same client.
func requestCategory(r *http.Request) admission.Category {
	if r.Method != http.MethodPost {
		return admission.CategoryGeneral
	}
	switch {
	case r.URL.Path == "/api/matches":
		return admission.CategoryMatchCreate
	case strings.HasSuffix(r.URL.Path, "/actions"):
		return admission.CategoryAction
	default:
		return admission.CategoryGeneral
	}
}

// admissionMiddleware gates requests through the limiter before any
// orchestrator logic runs. Rejection has no side effects.
func admissionMiddleware(limiter *admission.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.TryConsume(clientIdentity(r), requestCategory(r)) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
