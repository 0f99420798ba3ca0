package twitchapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/onnwee/autocat/apperr"
)

func newTestHelix(t *testing.T, h http.HandlerFunc) *HelixClient {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	client, err := NewHelixClient(HelixOptions{
		ClientID: "test-client-id",
		HTTPClient: &http.Client{
			Transport: &rewriteTransport{
				Transport: http.DefaultTransport,
				host:      server.URL,
			},
		},
	})
	if err != nil {
		t.Fatalf("NewHelixClient() error = %v", err)
	}
	return client
}

func TestNewHelixClientRequiresClientID(t *testing.T) {
	_, err := NewHelixClient(HelixOptions{})
	if !apperr.Is(err, apperr.KindConfig) {
		t.Fatalf("NewHelixClient() error = %v, want config error", err)
	}
}

func TestHelixClient_GetUserID(t *testing.T) {
	tests := []struct {
		response   interface{}
		name       string
		login      string
		wantUserID string
		statusCode int
		wantKind   apperr.Kind
		wantErr    bool
	}{
		{
			name:  "successful user lookup",
			login: "testuser",
			response: map[string]interface{}{
				"data": []map[string]string{{"id": "12345", "login": "testuser"}},
			},
			statusCode: http.StatusOK,
			wantUserID: "12345",
		},
		{
			name:       "user not found",
			login:      "nonexistent",
			response:   map[string]interface{}{"data": []map[string]string{}},
			statusCode: http.StatusOK,
			wantErr:    true,
			wantKind:   apperr.KindNotFound,
		},
		{
			name:  "token rejected",
			login: "testuser",
			response: map[string]interface{}{
				"error": "Unauthorized", "status": 401, "message": "Invalid OAuth token",
			},
			statusCode: http.StatusUnauthorized,
			wantErr:    true,
			wantKind:   apperr.KindAuth,
		},
		{
			name:       "server error",
			login:      "testuser",
			response:   map[string]interface{}{"error": "Internal Server Error", "status": 500},
			statusCode: http.StatusInternalServerError,
			wantErr:    true,
			wantKind:   apperr.KindTransient,
		},
		{
			name:     "empty login",
			login:    "",
			wantErr:  true,
			wantKind: apperr.KindConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Client-Id") != "test-client-id" {
					t.Errorf("missing or wrong Client-Id header")
				}
				if r.Header.Get("Authorization") != "Bearer test-token" {
					t.Errorf("Authorization = %q, want Bearer test-token", r.Header.Get("Authorization"))
				}
				if !strings.HasSuffix(r.URL.Path, "/users") {
					t.Errorf("path = %s, want /users", r.URL.Path)
				}
				if got := r.URL.Query().Get("login"); got != tt.login {
					t.Errorf("login query param = %s, want %s", got, tt.login)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				_ = json.NewEncoder(w).Encode(tt.response)
			})

			userID, err := client.GetUserID(context.Background(), "test-token", tt.login)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("GetUserID() error = nil, want %s", tt.wantKind)
				}
				if got := apperr.KindOf(err); got != tt.wantKind {
					t.Errorf("GetUserID() kind = %s, want %s (err=%v)", got, tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetUserID() unexpected error = %v", err)
			}
			if userID != tt.wantUserID {
				t.Errorf("GetUserID() = %s, want %s", userID, tt.wantUserID)
			}
		})
	}
}

func TestHelixClient_SearchCategoriesKeepsOrder(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/search/categories") {
			t.Errorf("path = %s, want /search/categories", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "foo bar" {
			t.Errorf("query = %q, want %q", got, "foo bar")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{
				{"id": "1", "name": "Foo Bar"},
				{"id": "2", "name": "foo bar"},
			},
		})
	})

	got, err := client.SearchCategories(context.Background(), "test-token", "foo bar")
	if err != nil {
		t.Fatalf("SearchCategories() error = %v", err)
	}
	want := []Category{{ID: "1", Name: "Foo Bar"}, {ID: "2", Name: "foo bar"}}
	if len(got) != len(want) {
		t.Fatalf("SearchCategories() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestHelixClient_UpdateChannelCategory(t *testing.T) {
	var calls int32
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		if got := r.URL.Query().Get("broadcaster_id"); got != "42" {
			t.Errorf("broadcaster_id = %s, want 42", got)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("body not json: %v", err)
		}
		if payload["game_id"] != "509658" {
			t.Errorf("game_id = %v, want 509658", payload["game_id"])
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.UpdateChannelCategory(context.Background(), "test-token", "42", "509658"); err != nil {
		t.Fatalf("UpdateChannelCategory() error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}

	if err := client.UpdateChannelCategory(context.Background(), "test-token", "", "1"); !apperr.Is(err, apperr.KindConfig) {
		t.Errorf("missing broadcaster id error = %v, want config", err)
	}
}

func TestHelixClient_UpdateChannelCategoryUnauthorized(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized","status":401,"message":"Invalid OAuth token"}`))
	})

	err := client.UpdateChannelCategory(context.Background(), "stale", "42", "1")
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("UpdateChannelCategory() error = %v, want auth", err)
	}
}

func TestHelixClient_ContextCanceled(t *testing.T) {
	client := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.GetUserID(ctx, "test-token", "someone"); err == nil {
		t.Fatal("GetUserID() with canceled context succeeded")
	}
}

type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Rewrite URL to point to test server
	req.URL.Scheme = "http"
	if t.host != "" {
		host := t.host
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	return t.Transport.RoundTrip(req)
}
