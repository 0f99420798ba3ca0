// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PublishTotal      *prometheus.CounterVec // outcome=applied|skipped|failed
	NameDBRefreshes   *prometheus.CounterVec // result=ok|error
	TokenRefreshes    *prometheus.CounterVec // result=ok|error
	MonitorCycles     *prometheus.CounterVec // outcome=changed|unchanged|skipped|error
	HTTPRequestsTotal *prometheus.CounterVec

	// Histograms (seconds)
	MonitorCycleDuration prometheus.Observer

	// Gauges
	NameDBEntries    prometheus.Gauge
	MonitorRunning   prometheus.Gauge
	CircuitOpenGauge prometheus.Gauge // 1=open,0=closed
	AuthState        *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autocat_category_publish_total", Help: "Category publish attempts by outcome"}, []string{"outcome"})
		NameDBRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autocat_namedb_refresh_total", Help: "Detectable-applications refreshes by result"}, []string{"result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autocat_token_refresh_total", Help: "OAuth token refreshes by result"}, []string{"result"})
		MonitorCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autocat_monitor_cycles_total", Help: "Monitor cycles by outcome"}, []string{"outcome"})
		HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "autocat_http_requests_total", Help: "HTTP requests by route and status class"}, []string{"route", "code"})
		MonitorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "autocat_monitor_cycle_duration_seconds", Help: "Monitor cycle duration seconds", Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}})
		NameDBEntries = promauto.NewGauge(prometheus.GaugeOpts{Name: "autocat_namedb_entries", Help: "Executable names in the fallback table"})
		MonitorRunning = promauto.NewGauge(prometheus.GaugeOpts{Name: "autocat_monitor_running", Help: "Monitor loop running=1 stopped=0"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "autocat_namedb_circuit_open", Help: "Name database fetch breaker open=1 closed=0"})
		AuthState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "autocat_auth_state", Help: "1 for the current token manager state"}, []string{"state"})
	})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObservePublish counts a publish attempt.
func ObservePublish(outcome string) {
	if PublishTotal != nil {
		PublishTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveNameDBRefresh counts a refresh and records the current table size.
func ObserveNameDBRefresh(ok bool, entries int) {
	if NameDBRefreshes != nil {
		NameDBRefreshes.WithLabelValues(result(ok)).Inc()
	}
	if NameDBEntries != nil {
		NameDBEntries.Set(float64(entries))
	}
}

// ObserveTokenRefresh counts a token refresh.
func ObserveTokenRefresh(ok bool) {
	if TokenRefreshes != nil {
		TokenRefreshes.WithLabelValues(result(ok)).Inc()
	}
}

// ObserveMonitorCycle records one monitor cycle.
func ObserveMonitorCycle(d time.Duration, outcome string) {
	if MonitorCycles != nil {
		MonitorCycles.WithLabelValues(outcome).Inc()
	}
	if MonitorCycleDuration != nil {
		MonitorCycleDuration.Observe(d.Seconds())
	}
}

// ObserveHTTPRequest counts a served request.
func ObserveHTTPRequest(route string, status int) {
	if HTTPRequestsTotal == nil {
		return
	}
	code := "2xx"
	switch {
	case status >= 500:
		code = "5xx"
	case status >= 400:
		code = "4xx"
	case status >= 300:
		code = "3xx"
	}
	HTTPRequestsTotal.WithLabelValues(route, code).Inc()
}

// SetMonitorRunning flips the running gauge.
func SetMonitorRunning(running bool) {
	if MonitorRunning != nil {
		if running {
			MonitorRunning.Set(1)
		} else {
			MonitorRunning.Set(0)
		}
	}
}

// SetAuthState marks state as the only active auth state.
func SetAuthState(state string, all ...string) {
	if AuthState == nil {
		return
	}
	for _, s := range all {
		AuthState.WithLabelValues(s).Set(0)
	}
	AuthState.WithLabelValues(state).Set(1)
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge != nil {
		if open {
			CircuitOpenGauge.Set(1)
		} else {
			CircuitOpenGauge.Set(0)
		}
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
