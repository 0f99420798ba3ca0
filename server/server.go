// Package server exposes the local HTTP API: health, status, metrics, the
// Twitch authorization flow, mapping management and monitor control. It
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/autocat/telemetry"
)

// Options tunes the middleware. Zero values fall back to defaults.
type Options struct {
	AdminToken string
	// RatePerMinute bounds mutating requests per client IP.
	RatePerMinute int
	Burst         int
	// TrustProxy makes the rate limiter key on X-Forwarded-For.
	TrustProxy bool
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine and
// background work started by handlers.
func NewMux(ctx context.Context, deps Deps, opts Options) http.Handler {
	limiter := newIPRateLimiter(ctx, opts.RatePerMinute, opts.Burst)
	if opts.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set; mutating endpoints are unprotected", slog.String("component", "http"))
	}
	guard := func(h http.HandlerFunc) http.Handler {
		return requireJSON(adminAuth(rateLimitMiddleware(h, limiter, opts.TrustProxy), opts.AdminToken))
	}

	h := NewHandlers(ctx, deps)
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.HandleFunc("GET /auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)
	mux.Handle("POST /auth/logout", guard(h.HandleLogout))

	mux.HandleFunc("GET /mappings", h.HandleMappingsList)
	mux.Handle("POST /mappings", guard(h.HandleMappingsUpsert))
	mux.Handle("DELETE /mappings", guard(h.HandleMappingsDelete))

	mux.Handle("POST /database/refresh", guard(h.HandleDatabaseRefresh))
	mux.Handle("POST /monitor/start", guard(h.HandleMonitorStart))
	mux.Handle("POST /monitor/stop", guard(h.HandleMonitorStop))
	mux.HandleFunc("GET /history", h.HandleHistory)

	return withCorrelation(mux)
}

// withCorrelation wraps every request with a correlation ID, a tracing span
// and request metrics.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		route := routeLabel(r.URL.Path)
		ctx, span := telemetry.StartHTTPSpan(ctx, r, route)

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.EndHTTPSpan(span, rec.statusCode)
		telemetry.ObserveHTTPRequest(route, rec.statusCode)
	})
}

var knownRoutes = map[string]bool{
	"/metrics": true, "/healthz": true, "/readyz": true, "/status": true,
	"/auth/twitch/start": true, "/auth/twitch/callback": true, "/auth/logout": true,
	"/mappings": true, "/database/refresh": true, "/monitor/start": true,
	"/monitor/stop": true, "/history": true,
}

// routeLabel keeps the metrics route label bounded.
func routeLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return Serve(ctx, handler, ln)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, handler http.Handler, ln net.Listener) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.String("component", "http"))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
