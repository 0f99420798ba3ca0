package category

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/autocat/apperr"
	"github.com/onnwee/autocat/telemetry"
	"github.com/onnwee/autocat/twitchapi"
)

// ChannelAPI is the subset of Helix the publisher needs.
type ChannelAPI interface {
	GetUserID(ctx context.Context, accessToken, login string) (string, error)
	SearchCategories(ctx context.Context, accessToken, query string) ([]twitchapi.Category, error)
	UpdateChannelCategory(ctx context.Context, accessToken, broadcasterID, categoryID string) error
}

// Tokens supplies the user access token and can refresh it.
type Tokens interface {
	AccessToken() string
	Refresh(ctx context.Context) bool
}

// ChangeFunc is called after a category was applied.
type ChangeFunc func(ctx context.Context, previous, current string)

// Publisher applies categories to one broadcaster's channel. Repeated
// publishes of the last applied category are no-ops.
type Publisher struct {
	api         ChannelAPI
	tokens      Tokens
	broadcaster string

	mu          sync.Mutex
	lastApplied string
	onChange    []ChangeFunc
}

// NewPublisher returns a Publisher for the broadcaster login name.
func NewPublisher(api ChannelAPI, tokens Tokens, broadcaster string) *Publisher {
	return &Publisher{api: api, tokens: tokens, broadcaster: strings.TrimSpace(broadcaster)}
}

// OnChange registers fn to run after every successful update.
func (p *Publisher) OnChange(fn ChangeFunc) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

// LastApplied returns the category most recently applied.
func (p *Publisher) LastApplied() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastApplied
}

// Forget clears the last applied category so the next Publish goes out
// even if the category is unchanged.
func (p *Publisher) Forget() {
	p.mu.Lock()
	p.lastApplied = ""
	p.mu.Unlock()
}

// Publish applies cat to the channel. On an authorization failure the token
// is refreshed once and the whole update retried once.
func (p *Publisher) Publish(ctx context.Context, cat string) error {
	p.mu.Lock()
	if cat == p.lastApplied {
		p.mu.Unlock()
		telemetry.ObservePublish("skipped")
		return nil
	}
	prev := p.lastApplied
	err := p.publishLocked(ctx, cat)
	var hooks []ChangeFunc
	if err == nil {
		p.lastApplied = cat
		hooks = append(hooks, p.onChange...)
	}
	p.mu.Unlock()

	if err != nil {
		telemetry.ObservePublish("failed")
		return err
	}
	telemetry.ObservePublish("applied")
	slog.Info("category updated", slog.String("category", cat), slog.String("previous", prev), slog.String("broadcaster", p.broadcaster), slog.String("component", "publisher"))
	for _, fn := range hooks {
		fn(ctx, prev, cat)
	}
	return nil
}

func (p *Publisher) publishLocked(ctx context.Context, cat string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "category", "category.publish", attribute.String("category", cat))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if p.broadcaster == "" {
		err = apperr.Config("publish", "broadcaster name not configured")
		slog.Error("cannot publish category", slog.Any("err", err), slog.String("component", "publisher"))
		return err
	}

	err = p.attempt(ctx, cat)
	if apperr.Is(err, apperr.KindAuth) {
		slog.Warn("category update unauthorized; refreshing token and retrying once", slog.Any("err", err), slog.String("component", "publisher"))
		if !p.tokens.Refresh(ctx) {
			err = apperr.Auth("publish", fmt.Errorf("token refresh failed after rejected update: %w", err))
		} else {
			err = p.attempt(ctx, cat)
		}
	}
	if err != nil {
		logPublishError(cat, err)
	}
	return err
}

func (p *Publisher) attempt(ctx context.Context, cat string) error {
	token := p.tokens.AccessToken()
	if token == "" {
		return apperr.Auth("publish", errors.New("no access token"))
	}

	broadcasterID, err := p.api.GetUserID(ctx, token, p.broadcaster)
	if err != nil {
		return err
	}

	results, err := p.api.SearchCategories(ctx, token, cat)
	if err != nil {
		return err
	}
	chosen, exact, ok := SelectCategory(cat, results)
	if !ok {
		return apperr.NotFound("category search", fmt.Sprintf("no category matches %q", cat))
	}
	if !exact {
		slog.Warn("no exact category match; using first search result", slog.String("wanted", cat), slog.String("using", chosen.Name), slog.String("id", chosen.ID), slog.String("component", "publisher"))
	}

	return p.api.UpdateChannelCategory(ctx, token, broadcasterID, chosen.ID)
}

// SelectCategory picks the first result whose name equals query ignoring
// case, else the first result. exact reports which rule applied.
func SelectCategory(query string, results []twitchapi.Category) (chosen twitchapi.Category, exact, ok bool) {
	if len(results) == 0 {
		return twitchapi.Category{}, false, false
	}
	for _, c := range results {
		if strings.EqualFold(c.Name, query) {
			return c, true, true
		}
	}
	return results[0], false, true
}

func logPublishError(cat string, err error) {
	attrs := []any{
		slog.String("category", cat),
		slog.String("kind", apperr.KindOf(err).String()),
		slog.Any("err", err),
		slog.String("component", "publisher"),
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindConfig, apperr.KindAuth:
		slog.Error("category update failed", attrs...)
	default:
		slog.Warn("category update failed; will retry next cycle", attrs...)
	}
}
