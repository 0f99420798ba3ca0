package namedb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/filestore"
)

var sampleApps = []Application{
	{
		Name: "Megabonk",
		Executables: []Executable{
			{Name: "DiscordGame.exe", OS: "win32"},
			{Name: "megabonk", OS: "linux"},
		},
		Aliases: []string{"Mega Bonk"},
	},
	{
		Name: "Grand Theft Auto IV",
		Executables: []Executable{
			{Name: "grand theft auto iv/gtaiv.exe", OS: "win32"},
		},
	},
}

type fakeRemote struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
}

func newFakeRemote(t *testing.T, apps []Application) *fakeRemote {
	t.Helper()
	f := &fakeRemote{}
	f.status.Store(http.StatusOK)
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if code := int(f.status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(apps)
	}))
	t.Cleanup(f.Close)
	return f
}

func TestBuildIndex(t *testing.T) {
	idx := BuildIndex(sampleApps, "win32")

	assert.Equal(t, "Megabonk", idx["discordgame.exe"])
	assert.Equal(t, "Megabonk", idx["mega bonk"], "aliases indexed case-folded")
	assert.Equal(t, "Grand Theft Auto IV", idx["gtaiv.exe"], "base name indexed")
	assert.Equal(t, "Grand Theft Auto IV", idx["grand theft auto iv/gtaiv.exe"])
	_, ok := idx["megabonk"]
	assert.False(t, ok, "executables for other OS variants are skipped")

	linux := BuildIndex(sampleApps, "linux")
	assert.Equal(t, "Megabonk", linux["megabonk"])
	assert.Equal(t, "Megabonk", linux["mega bonk"], "aliases indexed regardless of OS")
}

func TestRefreshPersistsAndSwaps(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	cachePath := filepath.Join(t.TempDir(), "detectable_cache.json")
	db := New(Options{URL: remote.URL, CachePath: cachePath, Clock: clock})

	before := db.Snapshot()
	require.NoError(t, db.Refresh(context.Background()))

	name, ok := db.Lookup("DISCORDGAME.EXE")
	require.True(t, ok)
	assert.Equal(t, "Megabonk", name)
	assert.Empty(t, before, "earlier snapshot is not mutated by a refresh")
	assert.Equal(t, clock.Now(), db.FetchedAt())

	var c Cache
	found, err := filestore.ReadJSON(cachePath, &c)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, c.FetchedAt.Equal(clock.Now()))
	assert.Equal(t, db.Snapshot(), c.Entries)
}

func TestRefreshFailureKeepsPreviousTable(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	db := New(Options{URL: remote.URL, Clock: clockwork.NewFakeClock()})
	require.NoError(t, db.Refresh(context.Background()))
	n := db.Len()

	remote.status.Store(http.StatusBadGateway)
	err := db.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Equal(t, n, db.Len())
}

func TestRefreshRejectsEmptyList(t *testing.T) {
	remote := newFakeRemote(t, nil)
	db := New(Options{URL: remote.URL, Clock: clockwork.NewFakeClock()})
	err := db.Refresh(context.Background())
	assert.Error(t, err)
	assert.Zero(t, db.Len())
}

func TestEnsureFreshTTLBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		fetchedAt   time.Time
		wantFetches int32
	}{
		{"stale just past ttl", now.Add(-DefaultTTL - time.Second), 1},
		{"fresh just inside ttl", now.Add(-DefaultTTL + time.Second), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := newFakeRemote(t, sampleApps)
			cachePath := filepath.Join(t.TempDir(), "detectable_cache.json")
			require.NoError(t, filestore.WriteJSON(cachePath, Cache{
				FetchedAt: tt.fetchedAt,
				Entries:   map[string]string{"cached.exe": "Cached Game"},
			}, 0o644))

			db := New(Options{URL: remote.URL, CachePath: cachePath, Clock: clockwork.NewFakeClockAt(now)})
			require.NoError(t, db.EnsureFresh(context.Background()))
			assert.Equal(t, tt.wantFetches, remote.calls.Load())
		})
	}
}

func TestEnsureFreshStaleCacheSurvivesFailedRefresh(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	remote.status.Store(http.StatusServiceUnavailable)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cachePath := filepath.Join(t.TempDir(), "detectable_cache.json")
	require.NoError(t, filestore.WriteJSON(cachePath, Cache{
		FetchedAt: now.Add(-48 * time.Hour),
		Entries:   map[string]string{"old.exe": "Old Game"},
	}, 0o644))

	db := New(Options{URL: remote.URL, CachePath: cachePath, Clock: clockwork.NewFakeClockAt(now)})
	err := db.EnsureFresh(context.Background())
	require.Error(t, err)

	name, ok := db.Lookup("old.exe")
	require.True(t, ok, "stale data beats no data")
	assert.Equal(t, "Old Game", name)
}

func TestEnsureFreshWithoutCacheFetches(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	cachePath := filepath.Join(t.TempDir(), "detectable_cache.json")
	db := New(Options{URL: remote.URL, CachePath: cachePath, Clock: clockwork.NewFakeClock()})

	require.NoError(t, db.EnsureFresh(context.Background()))
	assert.EqualValues(t, 1, remote.calls.Load())

	// Second call is served from the freshly written cache.
	require.NoError(t, db.EnsureFresh(context.Background()))
	assert.EqualValues(t, 1, remote.calls.Load())
}

func TestEnsureFreshWithoutCachePathHonorsTTL(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	clock := clockwork.NewFakeClock()
	db := New(Options{URL: remote.URL, Clock: clock})

	require.NoError(t, db.EnsureFresh(context.Background()))
	clock.Advance(time.Hour)
	require.NoError(t, db.EnsureFresh(context.Background()))
	assert.EqualValues(t, 1, remote.calls.Load(), "in-memory table is still fresh")

	clock.Advance(DefaultTTL)
	require.NoError(t, db.EnsureFresh(context.Background()))
	assert.EqualValues(t, 2, remote.calls.Load())
}

func TestConcurrentRefreshIsSafe(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	cachePath := filepath.Join(t.TempDir(), "detectable_cache.json")
	db := New(Options{URL: remote.URL, CachePath: cachePath, Clock: clockwork.NewFakeClock()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, db.Refresh(context.Background()))
			_ = db.Snapshot()["discordgame.exe"]
		}()
	}
	wg.Wait()

	var c Cache
	found, err := filestore.ReadJSON(cachePath, &c)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Megabonk", c.Entries["discordgame.exe"])
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	remote := newFakeRemote(t, sampleApps)
	remote.status.Store(http.StatusInternalServerError)
	db := New(Options{URL: remote.URL, Clock: clockwork.NewFakeClock()})

	for i := 0; i < 3; i++ {
		require.Error(t, db.Refresh(context.Background()))
	}
	calls := remote.calls.Load()

	err := db.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Equal(t, calls, remote.calls.Load(), "open breaker must not hit the remote")
}
