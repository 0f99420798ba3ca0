// Package chat announces applied category changes in the broadcaster's own
// Twitch chat over IRC.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/jonboulle/clockwork"
)

// DefaultTemplate is used when Options.Template is empty. The verbs are the
// previous and the new category.
const DefaultTemplate = "Category changed: %s → %s"

const reconnectDelay = 30 * time.Second

// Client is the subset of the IRC client the announcer needs.
type Client interface {
	OnConnect(func())
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// TokenSource supplies the current user access token.
type TokenSource interface {
	AccessToken() string
}

type Options struct {
	// Channel is the broadcaster login; it is also the IRC nick.
	Channel  string
	Template string
	Tokens   TokenSource
	Clock    clockwork.Clock
	// NewClient builds an IRC client; defaults to go-twitch-irc.
	NewClient func(username, oauth string) Client
}

// Announcer holds one IRC connection for the lifetime of Run.
type Announcer struct {
	opts Options

	mu        sync.Mutex
	client    Client
	connected bool
}

func NewAnnouncer(opts Options) *Announcer {
	opts.Channel = strings.ToLower(strings.TrimSpace(opts.Channel))
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NewClient == nil {
		opts.NewClient = func(username, oauth string) Client {
			return twitch.NewClient(username, oauth)
		}
	}
	return &Announcer{opts: opts}
}

// Run connects and reconnects until ctx is canceled. A missing token is
// retried after a delay so the announcer starts working once the user
// finishes the authorization flow.
func (a *Announcer) Run(ctx context.Context) {
	logger := slog.Default().With(slog.String("component", "chat"), slog.String("channel", a.opts.Channel))
	for ctx.Err() == nil {
		token := a.opts.Tokens.AccessToken()
		if token == "" {
			logger.Debug("no access token yet; chat announcer idle")
		} else if err := a.connectOnce(ctx, token); err != nil && ctx.Err() == nil {
			logger.Warn("chat connection ended", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
		case <-a.opts.Clock.After(reconnectDelay):
		}
	}
}

func (a *Announcer) connectOnce(ctx context.Context, token string) error {
	c := a.opts.NewClient(a.opts.Channel, "oauth:"+token)
	c.OnConnect(func() {
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
		slog.Info("chat connected", slog.String("component", "chat"), slog.String("channel", a.opts.Channel))
	})
	c.Join(a.opts.Channel)

	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.client = nil
		a.connected = false
		a.mu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Disconnect()
		case <-stop:
		}
	}()
	return c.Connect()
}

// Connected reports whether the IRC session is up.
func (a *Announcer) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Message renders the announcement for a change.
func (a *Announcer) Message(previous, current string) string {
	if previous == "" {
		previous = "(none)"
	}
	return fmt.Sprintf(a.opts.Template, previous, current)
}

// Announce has the category.ChangeFunc shape. Messages are dropped while
// disconnected.
func (a *Announcer) Announce(_ context.Context, previous, current string) {
	a.mu.Lock()
	c, ok := a.client, a.connected
	a.mu.Unlock()
	if !ok || c == nil {
		slog.Debug("chat not connected; dropping announcement", slog.String("component", "chat"), slog.String("category", current))
		return
	}
	c.Say(a.opts.Channel, a.Message(previous, current))
}
