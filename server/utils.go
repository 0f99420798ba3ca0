package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/autocat/apperr"
)

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err), slog.String("component", "http"))
	}
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindConfig:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	kind := "unknown"
	if errors.As(err, &ae) {
		kind = ae.Kind.String()
	}
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error(), "kind": kind})
}
