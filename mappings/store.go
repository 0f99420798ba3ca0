// Package mappings holds the user's custom executable→category rules. Each
// rule carries a priority used when several mapped executables run at once.
package mappings

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/filestore"
)

// Mapping is one custom rule. Exe is stored case-folded.
type Mapping struct {
	Exe      string `json:"exe"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

// Snapshot is an immutable view of the store taken at one point in time.
type Snapshot struct {
	list  []Mapping
	index map[string]int
}

// Lookup returns the mapping for a process name, ignoring case.
func (s Snapshot) Lookup(exe string) (Mapping, bool) {
	i, ok := s.index[strings.ToLower(exe)]
	if !ok {
		return Mapping{}, false
	}
	return s.list[i], true
}

// List returns a copy of the mappings in insertion order.
func (s Snapshot) List() []Mapping {
	out := make([]Mapping, len(s.list))
	copy(out, s.list)
	return out
}

// Len returns the number of mappings.
func (s Snapshot) Len() int { return len(s.list) }

func newSnapshot(list []Mapping) *Snapshot {
	idx := make(map[string]int, len(list))
	for i, m := range list {
		idx[m.Exe] = i
	}
	return &Snapshot{list: list, index: idx}
}

// Store owns mappings.json. Readers take lock-free snapshots; writers are
// serialized and publish a fresh snapshot after each change.
type Store struct {
	path string

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// New returns an empty store persisted at path.
func New(path string) *Store {
	s := &Store{path: path}
	s.snap.Store(newSnapshot(nil))
	return s
}

// Load replaces the in-memory mappings with the persisted ones. Malformed
// entries are skipped; later duplicates of the same exe win.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []Mapping
	found, err := filestore.ReadJSON(s.path, &raw)
	if err != nil {
		slog.Error("mappings load failed", slog.String("path", s.path), slog.Any("err", err), slog.String("component", "mappings"))
		return apperr.Persistence("mappings load", err)
	}
	if !found {
		slog.Info("no mappings file; starting empty", slog.String("path", s.path), slog.String("component", "mappings"))
		return nil
	}

	list := make([]Mapping, 0, len(raw))
	for i, m := range raw {
		exe := strings.ToLower(strings.TrimSpace(m.Exe))
		cat := strings.TrimSpace(m.Category)
		if exe == "" || cat == "" {
			slog.Warn("skipping malformed mapping", slog.Int("index", i), slog.String("exe", m.Exe), slog.String("component", "mappings"))
			continue
		}
		list = upsertInto(list, Mapping{Exe: exe, Category: cat, Priority: m.Priority})
	}
	s.snap.Store(newSnapshot(list))
	slog.Info("mappings loaded", slog.Int("count", len(list)), slog.String("component", "mappings"))
	return nil
}

// Upsert inserts or replaces the mapping for exe and persists the full set.
// On a write failure the in-memory change is kept and the error returned.
func (s *Store) Upsert(exe, category string, priority int) error {
	exe = strings.ToLower(strings.TrimSpace(exe))
	category = strings.TrimSpace(category)
	if exe == "" {
		return apperr.Config("mappings upsert", "exe name is empty")
	}
	if category == "" {
		return apperr.Config("mappings upsert", "category is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load().List()
	next := upsertInto(cur, Mapping{Exe: exe, Category: category, Priority: priority})
	s.snap.Store(newSnapshot(next))
	slog.Info("mapping saved", slog.String("exe", exe), slog.String("category", category), slog.Int("priority", priority), slog.String("component", "mappings"))
	return s.persist(next)
}

// Delete removes the mapping for exe. It reports whether one existed.
func (s *Store) Delete(exe string) (bool, error) {
	exe = strings.ToLower(strings.TrimSpace(exe))

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	i, ok := cur.index[exe]
	if !ok {
		return false, nil
	}
	next := make([]Mapping, 0, len(cur.list)-1)
	next = append(next, cur.list[:i]...)
	next = append(next, cur.list[i+1:]...)
	s.snap.Store(newSnapshot(next))
	slog.Info("mapping removed", slog.String("exe", exe), slog.String("component", "mappings"))
	return true, s.persist(next)
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() Snapshot { return *s.snap.Load() }

func (s *Store) persist(list []Mapping) error {
	if err := filestore.WriteJSON(s.path, list, 0o644); err != nil {
		slog.Error("mappings persist failed", slog.String("path", s.path), slog.Any("err", err), slog.String("component", "mappings"))
		return apperr.Persistence("mappings persist", err)
	}
	return nil
}

// upsertInto replaces an entry with the same exe in place, or appends.
func upsertInto(list []Mapping, m Mapping) []Mapping {
	for i := range list {
		if list[i].Exe == m.Exe {
			list[i] = m
			return list
		}
	}
	return append(list, m)
}
