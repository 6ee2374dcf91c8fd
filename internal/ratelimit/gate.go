package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultBypassPaths skip every check. Matching is exact.
var DefaultBypassPaths = []string{"/health", "/ready", "/live", "/", "/docs", "/redoc", "/openapi.json"}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	// Class is the exhausted class when denied.
	Class      Class
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// CredentialFunc extracts the raw credential from a request, "" when absent.
type CredentialFunc func(*http.Request) string

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithBypassPaths replaces DefaultBypassPaths.
func WithBypassPaths(paths []string) GateOption {
	return func(g *Gate) {
		g.bypass = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			g.bypass[p] = struct{}{}
		}
	}
}

// WithCredentialFunc sets how the credential is read. The default reads a
// Bearer token from the Authorization header.
func WithCredentialFunc(fn CredentialFunc) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.credential = fn
		}
	}
}

// Gate decides per request whether the key, write and ip buckets allow it.
type Gate struct {
	registry   *Registry
	limits     atomic.Pointer[Limits]
	bypass     map[string]struct{}
	credential CredentialFunc
}

// NewGate returns a gate drawing from registry.
func NewGate(registry *Registry, limits Limits, opts ...GateOption) *Gate {
	g := &Gate{registry: registry, credential: bearerCredential}
	WithBypassPaths(DefaultBypassPaths)(g)
	for _, opt := range opts {
		opt(g)
	}
	g.SetLimits(limits)
	return g
}

// SetLimits swaps the active limits. Existing buckets pick up the new
// configuration on their next use.
func (g *Gate) SetLimits(limits Limits) {
	cp := make(Limits, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	g.limits.Store(&cp)
}

// Limits returns the active limits.
func (g *Gate) Limits() Limits {
	return *g.limits.Load()
}

// Bypassed reports whether path skips rate limiting.
func (g *Gate) Bypassed(path string) bool {
	_, ok := g.bypass[path]
	return ok
}

type check struct {
	class Class
	key   string
}

// Check evaluates the key, write and ip classes in that order; the first
// denial wins. A non-nil error means the limiter itself failed and the
// decision must not be trusted; callers choose whether to fail open.
func (g *Gate) Check(r *http.Request) (d Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d, err = Decision{Allowed: true}, fmt.Errorf("rate limit check panicked: %v", rec)
		}
	}()

	if g.Bypassed(r.URL.Path) {
		return Decision{Allowed: true}, nil
	}

	checks := make([]check, 0, 3)
	if cred := g.credential(r); cred != "" {
		h := credentialHash(cred)
		checks = append(checks, check{ClassKey, "key:" + h})
		if isWrite(r.Method) {
			checks = append(checks, check{ClassWrite, "write:" + h})
		}
	}
	checks = append(checks, check{ClassIP, "ip:" + ClientIP(r)})

	limits := g.Limits()
	for _, c := range checks {
		limit, ok := limits[c.class]
		if !ok {
			continue
		}
		res, err := g.registry.Take(c.key, limit, 1)
		if err != nil {
			return Decision{Allowed: true}, fmt.Errorf("%s limit: %w", c.class, err)
		}
		if !res.Allowed {
			return Decision{Class: c.class, RetryAfter: res.RetryAfter}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// credentialHash keys buckets without keeping the credential in memory.
func credentialHash(cred string) string {
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:16])
}

func bearerCredential(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// ClientIP resolves the source address: first X-Forwarded-For hop, then
// X-Real-IP, then the peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
