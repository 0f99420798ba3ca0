// Package namedb mirrors Discord's list of detectable applications into a
// local executable→game-name table. The table is the fallback used when no
// custom mapping matches a running process. It is cached on disk and
// refetched once the cache is older than the TTL.
package namedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/filestore"
	"github.com/onnwee/autocat/telemetry"
)

const (
	// DefaultURL is Discord's public detectable applications endpoint.
	DefaultURL = "https://discord.com/api/v9/applications/detectable"
	// DefaultTTL is how long a fetched table stays fresh.
	DefaultTTL = 24 * time.Hour
	// DefaultTargetOS is the executable os variant indexed by default.
	DefaultTargetOS = "win32"
)

// Application is one entry of the remote list.
type Application struct {
	Name        string       `json:"name"`
	Executables []Executable `json:"executables"`
	Aliases     []string     `json:"aliases"`
}

// Executable describes one binary of an application on one OS.
type Executable struct {
	Name string `json:"name"`
	OS   string `json:"os"`
}

// Cache is the on-disk document.
type Cache struct {
	FetchedAt time.Time         `json:"fetched_at"`
	Entries   map[string]string `json:"entries"`
}

// Options configures a Database. Zero values fall back to defaults.
type Options struct {
	URL        string
	CachePath  string
	TTL        time.Duration
	TargetOS   string
	HTTPClient *http.Client
	Clock      clockwork.Clock
}

type state struct {
	entries   map[string]string
	fetchedAt time.Time
}

// Database holds the current table. Readers get the table published by the
// last successful load or refresh; it is replaced wholesale, never patched.
type Database struct {
	opts    Options
	cur     atomic.Pointer[state]
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

// New returns an empty Database.
func New(opts Options) *Database {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TargetOS == "" {
		opts.TargetOS = DefaultTargetOS
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	d := &Database{opts: opts}
	d.cur.Store(&state{entries: map[string]string{}})
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "detectable-fetch",
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.Is(err, apperr.KindTransient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("name database breaker state change", slog.String("from", from.String()), slog.String("to", to.String()), slog.String("component", "namedb"))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
	})
	return d
}

// Snapshot returns the current table. Callers must treat it as read-only.
func (d *Database) Snapshot() map[string]string { return d.cur.Load().entries }

// Lookup returns the game name for a process name, ignoring case.
func (d *Database) Lookup(name string) (string, bool) {
	v, ok := d.cur.Load().entries[strings.ToLower(name)]
	return v, ok
}

// Len returns the number of indexed names.
func (d *Database) Len() int { return len(d.cur.Load().entries) }

// FetchedAt returns when the current table was fetched (zero if never).
func (d *Database) FetchedAt() time.Time { return d.cur.Load().fetchedAt }

func (d *Database) fresh(fetchedAt time.Time) bool {
	return !fetchedAt.IsZero() && d.opts.Clock.Since(fetchedAt) < d.opts.TTL
}

// EnsureFresh is a no-op while the in-memory table is within the TTL. It
// otherwise loads the disk cache when that is fresh and refreshes from the
// remote when it is not. A stale cache is still loaded first so a failed
// refresh leaves usable data behind.
func (d *Database) EnsureFresh(ctx context.Context) error {
	if d.fresh(d.FetchedAt()) {
		return nil
	}
	if d.opts.CachePath != "" {
		var c Cache
		found, err := filestore.ReadJSON(d.opts.CachePath, &c)
		switch {
		case err != nil:
			slog.Warn("name database cache unreadable; refetching", slog.String("path", d.opts.CachePath), slog.Any("err", err), slog.String("component", "namedb"))
		case found && d.fresh(c.FetchedAt):
			d.swap(c.Entries, c.FetchedAt)
			slog.Info("name database loaded from cache", slog.Int("entries", len(c.Entries)), slog.Time("fetched_at", c.FetchedAt), slog.String("component", "namedb"))
			return nil
		case found:
			if d.Len() == 0 && len(c.Entries) > 0 {
				d.swap(c.Entries, c.FetchedAt)
			}
			slog.Info("name database cache stale", slog.Time("fetched_at", c.FetchedAt), slog.String("component", "namedb"))
		}
	}
	return d.Refresh(ctx)
}

// Refresh fetches the remote list and replaces the table. On failure the
// previous table stays in place. Concurrent calls share one fetch.
func (d *Database) Refresh(ctx context.Context) error {
	_, err, shared := d.group.Do("refresh", func() (any, error) {
		return nil, d.refresh(ctx)
	})
	if shared {
		slog.Debug("name database refresh coalesced", slog.String("component", "namedb"))
	}
	return err
}

func (d *Database) refresh(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "namedb", "namedb.refresh")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
		telemetry.ObserveNameDBRefresh(err == nil, d.Len())
	}()

	res, err := d.breaker.Execute(func() (any, error) { return d.fetch(ctx) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = apperr.Transient("namedb fetch", err)
		}
		slog.Warn("name database refresh failed; keeping previous table", slog.Any("err", err), slog.Int("entries", d.Len()), slog.String("component", "namedb"))
		return err
	}
	entries := BuildIndex(res.([]Application), d.opts.TargetOS)
	if len(entries) == 0 {
		err = apperr.Transient("namedb fetch", errors.New("remote list produced no entries"))
		slog.Warn("name database refresh returned nothing; keeping previous table", slog.String("component", "namedb"))
		return err
	}

	now := d.opts.Clock.Now()
	d.swap(entries, now)
	slog.Info("name database refreshed", slog.Int("entries", len(entries)), slog.String("component", "namedb"))

	if d.opts.CachePath == "" {
		return nil
	}
	if werr := filestore.WriteJSON(d.opts.CachePath, Cache{FetchedAt: now, Entries: entries}, 0o644); werr != nil {
		slog.Error("name database cache write failed", slog.String("path", d.opts.CachePath), slog.Any("err", werr), slog.String("component", "namedb"))
		return apperr.Persistence("namedb persist", werr)
	}
	return nil
}

func (d *Database) swap(entries map[string]string, fetchedAt time.Time) {
	if entries == nil {
		entries = map[string]string{}
	}
	d.cur.Store(&state{entries: entries, fetchedAt: fetchedAt})
}

func (d *Database) fetch(ctx context.Context) ([]Application, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.URL, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "namedb fetch", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, apperr.FromTransport("namedb fetch", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.FromStatus("namedb fetch", resp.StatusCode, string(b))
	}
	var apps []Application
	if err := json.NewDecoder(resp.Body).Decode(&apps); err != nil {
		return nil, apperr.Transient("namedb fetch", fmt.Errorf("decode detectable list: %w", err))
	}
	return apps, nil
}

// BuildIndex turns the remote list into a lookup table. Executables are
// indexed only for targetOS, by full name and by base name; aliases are
// indexed for every OS. All keys are lower-cased.
func BuildIndex(apps []Application, targetOS string) map[string]string {
	out := make(map[string]string, len(apps)*2)
	add := func(key, name string) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		if _, exists := out[key]; !exists {
			out[key] = name
		}
	}
	for _, app := range apps {
		if strings.TrimSpace(app.Name) == "" {
			continue
		}
		for _, exe := range app.Executables {
			if exe.OS != targetOS {
				continue
			}
			// A leading '>' marks an exact-path match on Discord's side.
			name := strings.TrimPrefix(exe.Name, ">")
			add(name, app.Name)
			add(path.Base(strings.ReplaceAll(name, `\`, "/")), app.Name)
		}
		for _, alias := range app.Aliases {
			add(alias, app.Name)
		}
	}
	return out
}

// StartRefresher re-checks freshness every interval until ctx is done.
func (d *Database) StartRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := d.opts.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := d.EnsureFresh(ctx); err != nil {
					slog.Debug("scheduled name database refresh failed", slog.Any("err", err), slog.String("component", "namedb"))
				}
			}
		}
	}()
}
