// Package twitchapi wraps the Twitch identity and Helix endpoints used to
// authorize a broadcaster and change their channel category.
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nicklaw5/helix/v2"

	"github.com/onnwee/autocat/apperr"
)

// Category is a Helix game/category search hit.
type Category struct {
	ID   string
	Name string
}

// HelixOptions configures a HelixClient.
type HelixOptions struct {
	ClientID string
	// APIBaseURL overrides the Helix root (tests).
	APIBaseURL string
	HTTPClient *http.Client
}

// HelixClient performs the channel calls with a user access token. The
// underlying helix client carries the token as state, so calls are
// serialized.
type HelixClient struct {
	mu     sync.Mutex
	client *helix.Client
	doer   *ctxDoer
}

// ctxDoer attaches the in-flight call's context to requests helix builds
// without one.
type ctxDoer struct {
	ctx context.Context
	hc  *http.Client
}

func (d *ctxDoer) Do(req *http.Request) (*http.Response, error) {
	if d.ctx != nil {
		req = req.WithContext(d.ctx)
	}
	return d.hc.Do(req)
}

// NewHelixClient builds a client for the application's client id.
func NewHelixClient(opts HelixOptions) (*HelixClient, error) {
	if opts.ClientID == "" {
		return nil, apperr.Config("helix client", "missing client id")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = defaultHTTPClient
	}
	doer := &ctxDoer{hc: hc}
	client, err := helix.NewClient(&helix.Options{
		ClientID:   opts.ClientID,
		HTTPClient: doer,
		APIBaseURL: opts.APIBaseURL,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "helix client", err)
	}
	return &HelixClient{client: client, doer: doer}, nil
}

func (hc *HelixClient) call(ctx context.Context, accessToken string, fn func(*helix.Client) error) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.doer.ctx = ctx
	defer func() { hc.doer.ctx = nil }()
	hc.client.SetUserAccessToken(accessToken)
	return fn(hc.client)
}

func statusError(op string, rc helix.ResponseCommon) error {
	if rc.StatusCode >= 200 && rc.StatusCode < 300 {
		return nil
	}
	msg := rc.ErrorMessage
	if msg == "" {
		msg = rc.Error
	}
	return apperr.FromStatus(op, rc.StatusCode, msg)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, accessToken, login string) (string, error) {
	if login == "" {
		return "", apperr.Config("get user", "login empty")
	}
	var resp *helix.UsersResponse
	err := hc.call(ctx, accessToken, func(c *helix.Client) (err error) {
		resp, err = c.GetUsers(&helix.UsersParams{Logins: []string{login}})
		return err
	})
	if err != nil {
		return "", apperr.FromTransport("get user", err)
	}
	if err := statusError("get user", resp.ResponseCommon); err != nil {
		return "", err
	}
	if len(resp.Data.Users) == 0 {
		return "", apperr.NotFound("get user", fmt.Sprintf("user %q not found", login))
	}
	return resp.Data.Users[0].ID, nil
}

// SearchCategories returns categories matching query in Twitch's order.
func (hc *HelixClient) SearchCategories(ctx context.Context, accessToken, query string) ([]Category, error) {
	if query == "" {
		return nil, apperr.Config("search categories", "query empty")
	}
	var resp *helix.SearchCategoriesResponse
	err := hc.call(ctx, accessToken, func(c *helix.Client) (err error) {
		resp, err = c.SearchCategories(&helix.SearchCategoriesParams{Query: query, First: 20})
		return err
	})
	if err != nil {
		return nil, apperr.FromTransport("search categories", err)
	}
	if err := statusError("search categories", resp.ResponseCommon); err != nil {
		return nil, err
	}
	out := make([]Category, 0, len(resp.Data.Categories))
	for _, c := range resp.Data.Categories {
		out = append(out, Category{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

// UpdateChannelCategory sets the broadcaster's game/category.
func (hc *HelixClient) UpdateChannelCategory(ctx context.Context, accessToken, broadcasterID, categoryID string) error {
	if broadcasterID == "" || categoryID == "" {
		return apperr.Config("update channel", "broadcaster id and category id required")
	}
	var resp *helix.EditChannelInformationResponse
	err := hc.call(ctx, accessToken, func(c *helix.Client) (err error) {
		resp, err = c.EditChannelInformation(&helix.EditChannelInformationParams{
			BroadcasterID: broadcasterID,
			GameID:        categoryID,
		})
		return err
	})
	if err != nil {
		return apperr.FromTransport("update channel", err)
	}
	if resp == nil {
		return apperr.New(apperr.KindUnknown, "update channel", errors.New("empty response"))
	}
	return statusError("update channel", resp.ResponseCommon)
}
