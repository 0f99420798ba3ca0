package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/autocat/db"
	"github.com/onnwee/autocat/telemetry"
)

// HandleDatabaseRefresh starts a name database refresh in the background
// and answers 202 immediately. A refresh already in flight is not repeated.
func (h *Handlers) HandleDatabaseRefresh(w http.ResponseWriter, r *http.Request) {
	h.refreshMu.Lock()
	if h.refreshing {
		h.refreshMu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "already_refreshing"})
		return
	}
	h.refreshing = true
	h.refreshMu.Unlock()

	corr := telemetry.GetCorrelation(r.Context())
	go func() {
		defer func() {
			h.refreshMu.Lock()
			h.refreshing = false
			h.refreshMu.Unlock()
		}()
		ctx := telemetry.WithCorrelation(h.ctx, corr)
		logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))
		if err := h.deps.Names.Refresh(ctx); err != nil {
			logger.Warn("manual name database refresh failed", slog.Any("err", err))
			return
		}
		logger.Info("manual name database refresh complete", slog.Int("entries", h.deps.Names.Len()))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

// HandleMonitorStart starts the monitor loop. Starting a running loop is a no-op.
func (h *Handlers) HandleMonitorStart(w http.ResponseWriter, _ *http.Request) {
	started := h.deps.Monitor.Start(h.ctx)
	writeJSON(w, http.StatusOK, map[string]any{"started": started, "monitor": h.deps.Monitor.Status()})
}

// HandleMonitorStop stops the loop, waiting a bounded time for the current cycle.
func (h *Handlers) HandleMonitorStop(w http.ResponseWriter, _ *http.Request) {
	if err := h.deps.Monitor.Stop(h.deps.StopTimeout); err != nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "stopping", "warning": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "monitor": h.deps.Monitor.Status()})
}

// HandleHistory lists recently applied categories when Postgres is configured.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeJSON(w, http.StatusOK, []db.HistoryEntry{})
		return
	}
	entries, err := h.deps.History.Recent(r.Context(), parseIntQuery(r, "limit", 50))
	if err != nil {
		slog.Error("load history", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
