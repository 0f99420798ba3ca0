package server

import (
	"crypto/rand"
	"encoding/hex"
	"html"
	"log/slog"
	"net/http"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/telemetry"
)

// HandleTwitchOAuthStart redirects the browser to the Twitch consent page.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	authURL, err := h.deps.AuthURL.BuildAuthorizeURL(st)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.addOAuthState(st) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback exchanges the authorization code and persists
// the resulting tokens through the token manager.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		slog.Warn("authorization denied", slog.String("error", e), slog.String("description", q.Get("error_description")), slog.String("component", "http"))
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
	if _, err := h.deps.Auth.ExchangeCode(r.Context(), code); err != nil {
		logger.Error("authorization code exchange failed", slog.Any("err", err))
		writeError(w, err)
		return
	}
	// a new login may target a channel whose category differs from the cached one
	if h.deps.Publisher != nil {
		h.deps.Publisher.Forget()
	}
	status := h.deps.Auth.Status()
	logger.Info("twitch authorization complete", slog.String("login", status.Login))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!doctype html><title>autocat</title><p>Authorization complete" +
		loginSuffix(status.Login) + ". You can close this window.</p>"))
}

func loginSuffix(login string) string {
	if login == "" {
		return ""
	}
	return " for " + html.EscapeString(login)
}

// HandleLogout forgets the stored credentials.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Auth.Clear(r.Context()); err != nil {
		writeError(w, apperr.Persistence("logout", err))
		return
	}
	if h.deps.Publisher != nil {
		h.deps.Publisher.Forget()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": h.deps.Auth.Status().State})
}
