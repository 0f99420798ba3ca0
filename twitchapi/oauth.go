package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/autocat/apperr"
)

// DefaultAuthBaseURL is the Twitch identity endpoint root.
const DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"

// DefaultScopes are the scopes needed to change a channel's category.
var DefaultScopes = []string{"channel:manage:broadcast"}

// TokenResult is the outcome of a code exchange or refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        []string
}

// OAuthClient talks to the Twitch token endpoints for one application.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	// AuthBaseURL overrides DefaultAuthBaseURL (tests).
	AuthBaseURL string
	HTTPClient  *http.Client
}

func (c *OAuthClient) baseURL() string {
	if c.AuthBaseURL != "" {
		return strings.TrimRight(c.AuthBaseURL, "/")
	}
	return DefaultAuthBaseURL
}

// DefaultHTTPTimeout bounds every Twitch request made without an explicit
// HTTPClient.
const DefaultHTTPTimeout = 15 * time.Second

var defaultHTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}

func (c *OAuthClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *OAuthClient) config() *oauth2.Config {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.baseURL() + "/authorize",
			TokenURL:  c.baseURL() + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *OAuthClient) oauthCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient())
}

// BuildAuthorizeURL returns the user authorization URL for the code grant.
func (c *OAuthClient) BuildAuthorizeURL(state string) (string, error) {
	if c.ClientID == "" || c.RedirectURI == "" {
		return "", apperr.Config("authorize url", "missing client id or redirect uri")
	}
	return c.config().AuthCodeURL(state), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func (c *OAuthClient) ExchangeAuthCode(ctx context.Context, code string) (*TokenResult, error) {
	if c.ClientID == "" || c.ClientSecret == "" || c.RedirectURI == "" {
		return nil, apperr.Config("exchange code", "missing client id, client secret or redirect uri")
	}
	if code == "" {
		return nil, apperr.Auth("exchange code", errors.New("authorization code is empty"))
	}
	tok, err := c.config().Exchange(c.oauthCtx(ctx), code)
	if err != nil {
		return nil, classifyTokenError("exchange code", err)
	}
	return toResult(tok), nil
}

// RefreshToken exchanges a refresh token for a new access token. The returned
// refresh token is the rotated one when Twitch supplies it, else the input.
func (c *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, apperr.Config("refresh token", "missing client id or client secret")
	}
	if refreshToken == "" {
		return nil, apperr.Auth("refresh token", errors.New("no refresh token"))
	}
	src := c.config().TokenSource(c.oauthCtx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError("refresh token", err)
	}
	res := toResult(tok)
	if res.RefreshToken == "" {
		res.RefreshToken = refreshToken
	}
	return res, nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func toResult(tok *oauth2.Token) *TokenResult {
	res := &TokenResult{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if res.Expiry.IsZero() {
		res.Expiry = ComputeExpiry(0)
	}
	// Twitch returns scope as a JSON array.
	if raw, ok := tok.Extra("scope").([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				res.Scope = append(res.Scope, str)
			}
		}
	}
	return res
}

// classifyTokenError maps oauth2 errors onto apperr kinds. Rejected grants
// (4xx) are auth failures; 5xx and transport errors are transient; anything
// else, such as an undecodable body, stays unclassified.
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		status := re.Response.StatusCode
		body := strings.TrimSpace(string(re.Body))
		switch {
		case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			return apperr.Auth(op, fmt.Errorf("status %d: %s", status, body))
		default:
			return apperr.FromStatus(op, status, body)
		}
	}
	if apperr.KindOf(err) == apperr.KindTransient {
		return apperr.Transient(op, err)
	}
	return apperr.New(apperr.KindUnknown, op, err)
}
