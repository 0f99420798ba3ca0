package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// adminAuth protects mutating endpoints with a static token sent as
// X-Admin-Token or "Authorization: Bearer". An empty token disables the
// check; the daemon only listens on localhost by default.
func adminAuth(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http"))
	})
}

// requireJSON rejects POSTs whose body is not declared as JSON. Browsers
// can't send that content type cross-site without a CORS preflight, which
// this server never answers.
func requireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if err != nil || mt != "application/json" {
				http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
				slog.Warn("rejected non-json mutation", slog.String("path", r.URL.Path), slog.String("origin", r.Header.Get("Origin")), slog.String("component", "http"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

const (
	defaultRatePerMinute = 30
	defaultBurst         = 10
	visitorIdle          = 10 * time.Minute
)

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(ctx context.Context, perMinute, burst int) *ipRateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	rl := &ipRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
	go rl.cleanupLoop(ctx)
	return rl
}

func (rl *ipRateLimiter) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorIdle {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter, trustProxy bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, trustProxy)
		if !limiter.allow(ip) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests - rate limit exceeded", http.StatusTooManyRequests)
			slog.Warn("rate limit exceeded", slog.String("ip", ip), slog.String("path", r.URL.Path), slog.String("component", "http"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the peer address without its port. X-Forwarded-For is
// only honored behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); trustProxy && fwd != "" {
		ip, _, _ = strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
