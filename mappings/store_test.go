package mappings

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/autocat/apperr"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.json")
	return New(path), path
}

func TestUpsertThenSnapshotRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Upsert("GTA4.exe", "Grand Theft Auto IV", 10))

	m, ok := s.Snapshot().Lookup("gta4.exe")
	require.True(t, ok)
	assert.Equal(t, Mapping{Exe: "gta4.exe", Category: "Grand Theft Auto IV", Priority: 10}, m)

	m, ok = s.Snapshot().Lookup("GTA4.EXE")
	require.True(t, ok, "lookup must ignore case")
	assert.Equal(t, "Grand Theft Auto IV", m.Category)
}

func TestUpsertReplacesCaseFoldedKey(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Upsert("game.exe", "A", 1))
	require.NoError(t, s.Upsert("other.exe", "B", 2))
	require.NoError(t, s.Upsert("GAME.EXE", "C", 5))

	list := s.Snapshot().List()
	require.Len(t, list, 2)
	assert.Equal(t, Mapping{Exe: "game.exe", Category: "C", Priority: 5}, list[0], "replacement keeps insertion slot")
	assert.Equal(t, "other.exe", list[1].Exe)
}

func TestUpsertValidation(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Upsert("keep.exe", "Keep", 1))

	err := s.Upsert("  ", "Cat", 1)
	assert.True(t, apperr.Is(err, apperr.KindConfig))
	err = s.Upsert("x.exe", "", 1)
	assert.True(t, apperr.Is(err, apperr.KindConfig))

	assert.Equal(t, 1, s.Snapshot().Len(), "rejected upserts must not mutate state")
}

func TestPersistAndLoad(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Upsert("a.exe", "Alpha", 3))
	require.NoError(t, s.Upsert("b.exe", "Beta", 0))

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, s.Snapshot().List(), reloaded.Snapshot().List())
}

func TestLoadSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	content := `[
		{"exe": "Good.exe", "category": "Good", "priority": 2},
		{"exe": "", "category": "NoExe", "priority": 1},
		{"exe": "nocat.exe", "category": "", "priority": 1},
		{"exe": "good.exe", "category": "Better", "priority": 4}
	]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := New(path)
	require.NoError(t, s.Load())

	list := s.Snapshot().List()
	require.Len(t, list, 1)
	assert.Equal(t, Mapping{Exe: "good.exe", Category: "Better", Priority: 4}, list[0])
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Load())
	assert.Zero(t, s.Snapshot().Len())
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	err := New(path).Load()
	assert.True(t, apperr.Is(err, apperr.KindPersistence))
}

func TestDelete(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Upsert("a.exe", "Alpha", 1))
	require.NoError(t, s.Upsert("b.exe", "Beta", 1))

	removed, err := s.Delete("A.EXE")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete("missing.exe")
	require.NoError(t, err)
	assert.False(t, removed)

	reloaded := New(path)
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.Snapshot().List(), 1)
	assert.Equal(t, "b.exe", reloaded.Snapshot().List()[0].Exe)
}

func TestSnapshotIsImmutableUnderConcurrentUpserts(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Upsert("base.exe", "Base", 1))
	snap := s.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Upsert("base.exe", "Changed", 9)
		}()
	}
	for i := 0; i < 100; i++ {
		m, ok := snap.Lookup("base.exe")
		require.True(t, ok)
		require.Equal(t, "Base", m.Category)
	}
	wg.Wait()

	m, _ := s.Snapshot().Lookup("base.exe")
	assert.Equal(t, "Changed", m.Category)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// Parent "directory" is a regular file, so every write fails.
	s := New(filepath.Join(blocker, "mappings.json"))
	err := s.Upsert("a.exe", "Alpha", 1)
	assert.True(t, apperr.Is(err, apperr.KindPersistence))

	_, ok := s.Snapshot().Lookup("a.exe")
	assert.True(t, ok)
}
