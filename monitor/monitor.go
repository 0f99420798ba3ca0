// Package monitor drives the periodic detect-resolve-publish cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/category"
	"github.com/onnwee/autocat/mappings"
	"github.com/onnwee/autocat/telemetry"
)

// DefaultInterval between cycles.
const DefaultInterval = 60 * time.Second

// ErrNotAuthenticated is returned by RunOnce when no valid token is available.
var ErrNotAuthenticated = apperr.Auth("monitor cycle", errors.New("no valid credentials"))

type TokenValidator interface {
	EnsureValid(ctx context.Context) bool
}

type ProcessLister interface {
	Names(ctx context.Context) ([]string, error)
}

type MappingSource interface {
	Snapshot() mappings.Snapshot
}

type NameSource interface {
	Snapshot() map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, cat string) error
	LastApplied() string
}

// Deps are the loop's collaborators.
type Deps struct {
	Tokens          TokenValidator
	Processes       ProcessLister
	Mappings        MappingSource
	Names           NameSource
	Publisher       Publisher
	DefaultCategory string
	Interval        time.Duration
	Clock           clockwork.Clock
}

// Status describes the loop for the status endpoint.
type Status struct {
	Running      bool      `json:"running"`
	Interval     string    `json:"interval"`
	Cycles       int64     `json:"cycles"`
	LastCycle    time.Time `json:"last_cycle,omitempty"`
	LastCategory string    `json:"last_category,omitempty"`
	LastProcess  string    `json:"last_process,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Loop runs at most one cycle goroutine at a time.
type Loop struct {
	deps Deps

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

func New(d Deps) *Loop {
	if d.Interval <= 0 {
		d.Interval = DefaultInterval
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.DefaultCategory == "" {
		d.DefaultCategory = category.DefaultCategory
	}
	return &Loop{deps: d, status: Status{Interval: d.Interval.String()}}
}

// Start launches the loop. It returns false, with a warning, when a loop is
// already running or still stopping.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		slog.Warn("monitor already running; ignoring start", slog.String("component", "monitor"))
		return false
	}
	if l.done != nil {
		select {
		case <-l.done:
		default:
			slog.Warn("previous monitor still stopping; ignoring start", slog.String("component", "monitor"))
			return false
		}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	l.status.Running = true
	telemetry.SetMonitorRunning(true)
	go l.run(runCtx, l.done)
	slog.Info("monitor started", slog.Duration("interval", l.deps.Interval), slog.String("component", "monitor"))
	return true
}

// Stop requests the loop to end and waits up to timeout for it. An
// in-flight cycle is allowed to finish.
func (l *Loop) Stop(timeout time.Duration) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		slog.Info("monitor stopped", slog.String("component", "monitor"))
		return nil
	case <-t.C:
		return fmt.Errorf("monitor did not stop within %s", timeout)
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status.Running
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		if l.done == done {
			l.status.Running = false
			telemetry.SetMonitorRunning(false)
		}
		close(done)
		l.mu.Unlock()
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		// errors are logged and recorded by RunOnce
		_ = l.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-l.deps.Clock.After(l.deps.Interval):
		}
	}
}

// RunOnce performs one cycle: ensure credentials, scan, resolve, publish.
func (l *Loop) RunOnce(ctx context.Context) (err error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "monitor"))
	ctx, span := telemetry.StartSpan(ctx, "monitor", "monitor.cycle")
	start := l.deps.Clock.Now()
	outcome := "error"
	var res category.Resolution
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		telemetry.ObserveMonitorCycle(l.deps.Clock.Since(start), outcome)
		l.record(start, res, err)
	}()

	if !l.deps.Tokens.EnsureValid(ctx) {
		outcome = "skipped"
		logger.Warn("no valid credentials; skipping cycle")
		return ErrNotAuthenticated
	}

	names, err := l.deps.Processes.Names(ctx)
	if err != nil {
		logger.Error("process scan failed", slog.Any("err", err))
		return err
	}

	res = category.Resolve(names, l.deps.Mappings.Snapshot(), l.deps.Names.Snapshot(), l.deps.DefaultCategory)
	span.SetAttributes(attribute.String("category", res.Category), attribute.Int("priority", res.Priority))
	logger.Debug("resolved category",
		slog.String("category", res.Category),
		slog.Int("priority", res.Priority),
		slog.String("process", res.Process),
		slog.Int("processes", len(names)))

	prev := l.deps.Publisher.LastApplied()
	if err = l.deps.Publisher.Publish(ctx, res.Category); err != nil {
		// the publisher already logged the failure with its classification
		return err
	}
	if prev == res.Category {
		outcome = "unchanged"
	} else {
		outcome = "changed"
	}
	return nil
}

func (l *Loop) record(at time.Time, res category.Resolution, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Cycles++
	l.status.LastCycle = at
	if res.Category != "" {
		l.status.LastCategory = res.Category
		l.status.LastProcess = res.Process
	}
	l.status.LastError = ""
	if err != nil {
		l.status.LastError = err.Error()
	}
}
