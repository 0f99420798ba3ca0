// Package category decides which Twitch category matches the running
// processes and applies it to the broadcaster's channel.
package category

import (
	"sort"
	"strings"

	"github.com/onnwee/autocat/mappings"
)

// DefaultCategory is applied when nothing recognizable is running.
const DefaultCategory = "Just Chatting"

// CustomLookup finds a user-defined mapping by process name.
type CustomLookup interface {
	Lookup(exe string) (mappings.Mapping, bool)
}

// Resolution is the outcome of one resolve pass.
type Resolution struct {
	Category string
	// Priority that justified the choice; -1 when the default was used.
	Priority int
	// Process is the case-folded process name that matched, if any.
	Process string
	Matched bool
}

// Resolve picks the category for a process snapshot.
//
// Names are case-folded, deduplicated and visited in ascending order. A
// custom mapping wins over the fallback table for the same name; fallback
// hits rank at priority 0. A candidate replaces the current best only when
// its priority is strictly greater, so at equal priority the first name in
// that order wins.
func Resolve(processes []string, custom CustomLookup, fallback map[string]string, defaultCategory string) Resolution {
	best := Resolution{Category: defaultCategory, Priority: -1}

	for _, name := range normalize(processes) {
		if custom != nil {
			if m, ok := custom.Lookup(name); ok {
				if m.Priority > best.Priority {
					best = Resolution{Category: m.Category, Priority: m.Priority, Process: name, Matched: true}
				}
				continue
			}
		}
		if cat, ok := fallback[name]; ok && best.Priority < 0 {
			best = Resolution{Category: cat, Priority: 0, Process: name, Matched: true}
		}
	}
	return best
}

func normalize(processes []string) []string {
	seen := make(map[string]struct{}, len(processes))
	out := make([]string, 0, len(processes))
	for _, p := range processes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
