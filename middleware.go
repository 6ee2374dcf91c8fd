package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/objectstore/internal/apperr"
	"github.com/example/objectstore/internal/auth"
	"github.com/example/objectstore/internal/ratelimit"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// CredentialAuth resolves the bearer credential to a tenant. Every failure
// is reported the same way.
func (a *App) CredentialAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, ok := auth.BearerToken(r)
		if !ok {
			writeAppError(w, r, apperr.Auth())
			return
		}

		tenantID, err := a.Credentials.Validate(r.Context(), secret)
		if errors.Is(err, auth.ErrInvalidCredential) {
			writeAppError(w, r, apperr.Auth())
			return
		}
		if err != nil {
			writeAppError(w, r, apperr.Internal(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(withTenant(r.Context(), tenantID)))
	})
}

// TenantMatch rejects paths naming a tenant other than the authenticated one.
func (a *App) TenantMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := tenantFromContext(r.Context())
		if !ok || mux.Vars(r)["tenantID"] != tenantID {
			writeAppError(w, r, apperr.Auth())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit consults the gate before authentication. Limiter failures let
// the request through.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := a.Gate.Check(r)
		if err != nil {
			a.failOpenLog.Do(func() {
				log.WithError(err).WithField("path", r.URL.Path).Warn("rate limiter failed, allowing request")
			})
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			if info, ok := r.Context().Value(requestInfoKey).(*requestInfo); ok {
				info.limitClass = string(d.Class)
			}
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
			writeJSON(w, http.StatusTooManyRequests, APIError{
				Code:       apperr.CodeRateLimited,
				Message:    "rate limit exceeded",
				LimitClass: string(d.Class),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS echoes allowed origins. With no origins configured no CORS headers
// are sent.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Expose-Headers", "Link, Retry-After")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *App) originAllowed(origin string) bool {
	for _, o := range a.corsOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		info := &requestInfo{}

		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))

		fields := log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      ratelimit.ClientIP(r),
		}
		if info.tenantID != "" {
			fields["tenant_id"] = info.tenantID
		}
		if info.limitClass != "" {
			fields["limit_class"] = info.limitClass
		}
		entry := log.WithFields(fields)
		if wrapped.statusCode >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Info("request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
