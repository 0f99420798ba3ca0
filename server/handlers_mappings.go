package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/mappings"
)

type mappingRequest struct {
	Exe      string `json:"exe"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
}

// HandleMappingsList returns every custom mapping.
func (h *Handlers) HandleMappingsList(w http.ResponseWriter, _ *http.Request) {
	list := h.deps.Mappings.Snapshot().List()
	if list == nil {
		list = []mappings.Mapping{}
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleMappingsUpsert saves one mapping. A failed write still updates the
// in-memory rule; the response carries a warning in that case.
func (h *Handlers) HandleMappingsUpsert(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apperr.Config("decode mapping", err.Error()))
		return
	}
	err := h.deps.Mappings.Upsert(req.Exe, req.Category, req.Priority)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindPersistence):
		slog.Error("mapping kept in memory but not saved", slog.Any("err", err), slog.String("component", "http"))
		m, _ := h.deps.Mappings.Snapshot().Lookup(req.Exe)
		writeJSON(w, http.StatusOK, map[string]any{"mapping": m, "warning": err.Error()})
		return
	default:
		writeError(w, err)
		return
	}
	m, _ := h.deps.Mappings.Snapshot().Lookup(req.Exe)
	writeJSON(w, http.StatusOK, map[string]any{"mapping": m})
}

// HandleMappingsDelete removes the mapping named by ?exe=.
func (h *Handlers) HandleMappingsDelete(w http.ResponseWriter, r *http.Request) {
	exe := strings.TrimSpace(r.URL.Query().Get("exe"))
	if exe == "" {
		writeError(w, apperr.Config("delete mapping", "missing exe"))
		return
	}
	existed, err := h.deps.Mappings.Delete(exe)
	if !existed {
		writeError(w, apperr.NotFound("delete mapping", "no mapping for "+exe))
		return
	}
	resp := map[string]any{"status": "deleted", "exe": strings.ToLower(exe)}
	if err != nil {
		slog.Error("mapping removed in memory but not saved", slog.Any("err", err), slog.String("component", "http"))
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
