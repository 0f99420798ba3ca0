// Package oauth owns the broadcaster's Twitch credentials: it persists them,
// validates them, refreshes them and exchanges authorization codes.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/telemetry"
	"github.com/onnwee/autocat/twitchapi"
)

// State of the credential lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateExpired
)

var stateNames = []string{"unauthenticated", "authenticated", "expired"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Credentials is the persisted token pair. Only a pair with both tokens set
// is usable; anything else needs a fresh login.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Scope        []string  `json:"scope,omitempty"`
}

// Complete reports whether both tokens are present.
func (c Credentials) Complete() bool { return c.AccessToken != "" && c.RefreshToken != "" }

// TokenClient is the identity endpoint surface.
type TokenClient interface {
	ExchangeAuthCode(ctx context.Context, code string) (*twitchapi.TokenResult, error)
	RefreshToken(ctx context.Context, refreshToken string) (*twitchapi.TokenResult, error)
	ValidateToken(ctx context.Context, accessToken string) (*twitchapi.Validation, error)
}

// Store persists credentials.
type Store interface {
	Load(ctx context.Context) (Credentials, bool, error)
	Save(ctx context.Context, c Credentials) error
	Delete(ctx context.Context) error
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State     string    `json:"state"`
	Login     string    `json:"login,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// DefaultCallTimeout bounds each call to the token endpoints.
const DefaultCallTimeout = 15 * time.Second

// Manager serializes every token endpoint call and credential write behind
// ops, so refreshes can't interleave with each other or with a concurrent
// code exchange. Readers only take mu, which is never held across I/O.
type Manager struct {
	client      TokenClient
	store       Store
	clock       clockwork.Clock
	callTimeout time.Duration

	ops sync.Mutex

	mu    sync.Mutex
	creds Credentials
	state State
	login string

	// needsLogin is set once Twitch rejects the refresh token. Only a new
	// code exchange (or a reload) clears it.
	needsLogin bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used by the validator.
func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option { return func(m *Manager) { m.callTimeout = d } }

func NewManager(client TokenClient, store Store, opts ...Option) *Manager {
	m := &Manager{client: client, store: store, clock: clockwork.NewRealClock(), callTimeout: DefaultCallTimeout}
	for _, o := range opts {
		o(m)
	}
	telemetry.SetAuthState(m.state.String(), stateNames...)
	return m
}

// setState must be called with mu held.
func (m *Manager) setState(s State) {
	if m.state != s {
		slog.Info("auth state changed", slog.String("from", m.state.String()), slog.String("to", s.String()), slog.String("component", "oauth"))
	}
	m.state = s
	telemetry.SetAuthState(s.String(), stateNames...)
}

// usable returns the current pair when a token call may be made. Otherwise
// the manager is marked unauthenticated and no call should follow.
func (m *Manager) usable() (Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.needsLogin || !m.creds.Complete() {
		m.setState(StateUnauthenticated)
		return Credentials{}, false
	}
	return m.creds, true
}

// Load reads persisted credentials. A partial pair is kept on disk but the
// manager reports StateUnauthenticated.
func (m *Manager) Load(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	creds, found, err := m.store.Load(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.setState(StateUnauthenticated)
		slog.Error("failed to load credentials", slog.Any("err", err), slog.String("component", "oauth"))
		return apperr.Persistence("load credentials", err)
	}
	m.creds = creds
	m.needsLogin = false
	switch {
	case !found:
		m.setState(StateUnauthenticated)
	case !creds.Complete():
		slog.Warn("stored credentials incomplete; login required", slog.String("component", "oauth"))
		m.setState(StateUnauthenticated)
	default:
		m.setState(StateAuthenticated)
	}
	return nil
}

// ExchangeCode trades an authorization code for tokens. On failure the
// current state and credentials are left as they were.
func (m *Manager) ExchangeCode(ctx context.Context, code string) (Credentials, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	res, err := m.client.ExchangeAuthCode(cctx, code)
	if err != nil {
		if !apperr.Is(err, apperr.KindConfig) {
			err = apperr.Auth("exchange code", err)
		}
		slog.Error("authorization code exchange failed", slog.Any("err", err), slog.String("component", "oauth"))
		return Credentials{}, err
	}
	creds := Credentials{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken, ExpiresAt: res.Expiry, Scope: res.Scope}
	if !creds.Complete() {
		err := apperr.Auth("exchange code", errors.New("token response missing access or refresh token"))
		slog.Error("authorization code exchange failed", slog.Any("err", err), slog.String("component", "oauth"))
		return Credentials{}, err
	}
	m.mu.Lock()
	m.creds = creds
	m.login = ""
	m.needsLogin = false
	m.setState(StateAuthenticated)
	m.mu.Unlock()
	m.persist(ctx, creds)
	return creds, nil
}

// Validate checks the access token with Twitch. Any failure counts as
// invalid; only an explicit rejection moves the state to StateExpired.
func (m *Manager) Validate(ctx context.Context) bool {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.validateLocked(ctx)
}

// validateLocked and refreshLocked must be called with ops held.
func (m *Manager) validateLocked(ctx context.Context) bool {
	creds, ok := m.usable()
	if !ok {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	v, err := m.client.ValidateToken(cctx, creds.AccessToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			m.setState(StateExpired)
			slog.Info("access token rejected", slog.String("component", "oauth"))
		} else {
			slog.Warn("token validation failed", slog.Any("err", err), slog.String("kind", apperr.KindOf(err).String()), slog.String("component", "oauth"))
		}
		return false
	}
	m.login = v.Login
	m.creds.ExpiresAt = v.ExpiresAt
	m.setState(StateAuthenticated)
	return true
}

// Refresh exchanges the refresh token for a new access token. A rejected
// refresh token means a new login is needed and no further refresh is
// attempted until then; stored tokens are never wiped here, and a malformed
// response changes nothing.
func (m *Manager) Refresh(ctx context.Context) bool {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) bool {
	creds, ok := m.usable()
	if !ok {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	res, err := m.client.RefreshToken(cctx, creds.RefreshToken)
	if err == nil && res.AccessToken == "" {
		err = errors.New("refresh response missing access token")
	}
	telemetry.ObserveTokenRefresh(err == nil)

	m.mu.Lock()
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			m.needsLogin = true
			m.setState(StateUnauthenticated)
			slog.Error("refresh token rejected; login required", slog.Any("err", err), slog.String("component", "oauth"))
		} else {
			slog.Warn("token refresh failed", slog.Any("err", err), slog.String("kind", apperr.KindOf(err).String()), slog.String("component", "oauth"))
		}
		m.mu.Unlock()
		return false
	}
	m.creds.AccessToken = res.AccessToken
	if res.RefreshToken != "" {
		m.creds.RefreshToken = res.RefreshToken
	}
	m.creds.ExpiresAt = res.Expiry
	if len(res.Scope) > 0 {
		m.creds.Scope = res.Scope
	}
	m.setState(StateAuthenticated)
	updated := m.creds
	m.mu.Unlock()

	m.persist(ctx, updated)
	slog.Info("token refreshed", slog.String("component", "oauth"))
	return true
}

// EnsureValid validates the token and falls back to a refresh. Once a
// refresh has been rejected it returns false without calling Twitch.
func (m *Manager) EnsureValid(ctx context.Context) bool {
	m.ops.Lock()
	defer m.ops.Unlock()
	if m.validateLocked(ctx) {
		return true
	}
	return m.refreshLocked(ctx)
}

// AccessToken returns the current access token, or "" without a usable pair.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.needsLogin || !m.creds.Complete() {
		return ""
	}
	return m.creds.AccessToken
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state.String(), Login: m.login, ExpiresAt: m.creds.ExpiresAt}
}

// Clear forgets the credentials and removes them from the store.
func (m *Manager) Clear(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	m.creds = Credentials{}
	m.login = ""
	m.needsLogin = false
	m.setState(StateUnauthenticated)
	m.mu.Unlock()
	if err := m.store.Delete(ctx); err != nil {
		slog.Error("failed to delete credentials", slog.Any("err", err), slog.String("component", "oauth"))
		return apperr.Persistence("clear credentials", err)
	}
	return nil
}

// persist writes the credentials with ops held. A failure is logged and
// memory keeps the new tokens.
func (m *Manager) persist(ctx context.Context, c Credentials) {
	if err := m.store.Save(ctx, c); err != nil {
		slog.Error("failed to persist credentials", slog.Any("err", apperr.Persistence("save credentials", err)), slog.String("component", "oauth"))
	}
}
