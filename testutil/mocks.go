// Package testutil provides an in-memory stand-in for the Twitch endpoints
// the daemon talks to: Helix users, category search, channel edit, and the
// id.twitch.tv token and validate endpoints.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves /helix/* and /oauth2/*. Access tokens issued by
// its token endpoint are accepted until Revoke is called.
type MockTwitchServer struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[string]string // login -> id
	categories  []map[string]string
	valid       map[string]bool
	refresh     map[string]bool
	issued      int
	updates     []string // game ids sent to PATCH /channels
	failRefresh bool
}

// NewMockTwitchServer creates a server that knows no users or categories yet.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		users:   map[string]string{},
		valid:   map[string]bool{},
		refresh: map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /helix/users", m.handleUsers)
	mux.HandleFunc("GET /helix/search/categories", m.handleSearch)
	mux.HandleFunc("PATCH /helix/channels", m.handleChannels)
	mux.HandleFunc("POST /oauth2/token", m.handleToken)
	mux.HandleFunc("GET /oauth2/validate", m.handleValidate)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the Helix base for twitchapi.HelixOptions.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// AuthURL is the id.twitch.tv base for twitchapi.OAuthClient.
func (m *MockTwitchServer) AuthURL() string { return m.URL + "/oauth2" }

// MockUserResponse registers a broadcaster.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(login)] = userID
}

// MockCategory adds a category returned by every search containing its name.
func (m *MockTwitchServer) MockCategory(id, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories = append(m.categories, map[string]string{"id": id, "name": name, "box_art_url": ""})
}

func (m *MockTwitchServer) issueLocked() (string, string) {
	m.issued++
	access := fmt.Sprintf("access-%d", m.issued)
	refresh := fmt.Sprintf("refresh-%d", m.issued)
	m.valid[access] = true
	m.refresh[refresh] = true
	return access, refresh
}

// Revoke makes an access token fail validation and Helix calls.
func (m *MockTwitchServer) Revoke(access string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.valid, access)
}

// GameUpdates returns the game ids applied so far.
func (m *MockTwitchServer) GameUpdates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.updates...)
}

// FailRefresh makes every refresh_token grant fail with 400.
func (m *MockTwitchServer) FailRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failRefresh = true
}

func (m *MockTwitchServer) authorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid[token]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func unauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token"})
}

func (m *MockTwitchServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		unauthorized(w)
		return
	}
	data := []map[string]string{}
	m.mu.Lock()
	for _, login := range r.URL.Query()["login"] {
		if id, ok := m.users[strings.ToLower(login)]; ok {
			data = append(data, map[string]string{"id": id, "login": strings.ToLower(login)})
		}
	}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		unauthorized(w)
		return
	}
	q := strings.ToLower(r.URL.Query().Get("query"))
	data := []map[string]string{}
	m.mu.Lock()
	for _, c := range m.categories {
		if strings.Contains(strings.ToLower(c["name"]), q) {
			data = append(data, c)
		}
	}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "pagination": map[string]string{}})
}

func (m *MockTwitchServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		unauthorized(w)
		return
	}
	var body struct {
		GameID string `json:"game_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	m.mu.Lock()
	m.updates = append(m.updates, body.GameID)
	m.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (m *MockTwitchServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "missing code"})
			return
		}
	case "refresh_token":
		rt := r.PostForm.Get("refresh_token")
		if m.failRefresh || !m.refresh[rt] {
			writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Invalid refresh token"})
			return
		}
		delete(m.refresh, rt)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "unsupported grant type"})
		return
	}
	access, refresh := m.issueLocked()
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    14400,
		"scope":         []string{"channel:manage:broadcast"},
		"token_type":    "bearer",
	})
}

func (m *MockTwitchServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "OAuth ")
	m.mu.Lock()
	ok := m.valid[token]
	var login, id string
	for l, i := range m.users {
		login, id = l, i
	}
	m.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"status": 401, "message": "invalid access token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":  "cid",
		"login":      login,
		"user_id":    id,
		"scopes":     []string{"channel:manage:broadcast"},
		"expires_in": 14400,
	})
}
