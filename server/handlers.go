package server

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/autocat/db"
	"github.com/onnwee/autocat/mappings"
	"github.com/onnwee/autocat/monitor"
	"github.com/onnwee/autocat/oauth"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 1000
	oauthStateTTL  = 10 * time.Minute
)

type Authenticator interface {
	Status() oauth.Status
	ExchangeCode(ctx context.Context, code string) (oauth.Credentials, error)
	Clear(ctx context.Context) error
}

type AuthURLBuilder interface {
	BuildAuthorizeURL(state string) (string, error)
}

type MappingStore interface {
	Snapshot() mappings.Snapshot
	Upsert(exe, category string, priority int) error
	Delete(exe string) (bool, error)
}

type NameDatabase interface {
	Refresh(ctx context.Context) error
	Len() int
	FetchedAt() time.Time
}

type MonitorControl interface {
	Start(ctx context.Context) bool
	Stop(timeout time.Duration) error
	Status() monitor.Status
}

// PublishState is the publisher's view for status and re-login.
type PublishState interface {
	LastApplied() string
	Forget()
}

type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]db.HistoryEntry, error)
}

// Deps are the constructed components the handlers act on. History is
// optional.
type Deps struct {
	Auth      Authenticator
	AuthURL   AuthURLBuilder
	Mappings  MappingStore
	Names     NameDatabase
	Monitor   MonitorControl
	Publisher PublishState
	History   HistoryReader
	Clock     clockwork.Clock
	// StopTimeout bounds POST /monitor/stop.
	StopTimeout time.Duration
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	// ctx outlives requests; background refreshes run under it.
	ctx context.Context

	stateMu    sync.Mutex
	stateStore map[string]time.Time
	refreshMu  sync.Mutex
	refreshing bool
}

func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.StopTimeout <= 0 {
		deps.StopTimeout = time.Second
	}
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates must be called with stateMu held.
func (h *Handlers) cleanExpiredStates(now time.Time) {
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState records state and reports whether it was accepted. Once the
// store is full new flows are refused until old states expire.
func (h *Handlers) addOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	now := h.deps.Clock.Now()
	h.cleanExpiredStates(now)
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = now.Add(oauthStateTTL)
	return true
}

// consumeOAuthState removes state and reports whether it was valid.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return !h.deps.Clock.Now().After(exp)
}
