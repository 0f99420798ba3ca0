package server

import (
	"net/http"
	"time"

	"github.com/onnwee/autocat/monitor"
	"github.com/onnwee/autocat/oauth"
)

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports whether a cycle could publish right now: credentials
// present and a non-empty name database or at least one custom mapping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	checks := []struct {
		name string
		ok   bool
		msg  string
	}{
		{"credentials", h.deps.Auth.Status().State != oauth.StateUnauthenticated.String(), "not authorized with twitch"},
		{"mappings", h.deps.Names.Len() > 0 || h.deps.Mappings.Snapshot().Len() > 0, "no name database and no custom mappings"},
	}
	for _, c := range checks {
		if !c.ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        c.msg,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type nameDBStatus struct {
	Entries    int       `json:"entries"`
	FetchedAt  time.Time `json:"fetched_at,omitempty"`
	Refreshing bool      `json:"refreshing"`
}

type statusResponse struct {
	Auth        oauth.Status   `json:"auth"`
	Monitor     monitor.Status `json:"monitor"`
	NameDB      nameDBStatus   `json:"name_database"`
	Mappings    int            `json:"mappings"`
	LastApplied string         `json:"last_applied,omitempty"`
}

// HandleStatus summarizes every component.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	h.refreshMu.Lock()
	refreshing := h.refreshing
	h.refreshMu.Unlock()
	resp := statusResponse{
		Auth:    h.deps.Auth.Status(),
		Monitor: h.deps.Monitor.Status(),
		NameDB: nameDBStatus{
			Entries:    h.deps.Names.Len(),
			FetchedAt:  h.deps.Names.FetchedAt(),
			Refreshing: refreshing,
		},
		Mappings: h.deps.Mappings.Snapshot().Len(),
	}
	if h.deps.Publisher != nil {
		resp.LastApplied = h.deps.Publisher.LastApplied()
	}
	writeJSON(w, http.StatusOK, resp)
}
