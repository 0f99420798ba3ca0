package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/autocat/apperr"
)

// Validation is the identity endpoint's view of an access token.
type Validation struct {
	ClientID  string    `json:"client_id"`
	Login     string    `json:"login"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"-"`
}

// ValidateToken asks Twitch whether accessToken is still accepted. A 401
// yields an auth error; the caller should refresh.
func (c *OAuthClient) ValidateToken(ctx context.Context, accessToken string) (*Validation, error) {
	if accessToken == "" {
		return nil, apperr.Auth("validate token", errors.New("no access token"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/validate", nil)
	if err != nil {
		return nil, apperr.New(apperr.KindUnknown, "validate token", err)
	}
	// Twitch wants the OAuth scheme here, not Bearer.
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, apperr.FromTransport("validate token", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.FromStatus("validate token", resp.StatusCode, string(b))
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, apperr.New(apperr.KindUnknown, "validate token", err)
	}
	v.ExpiresAt = ComputeExpiry(v.ExpiresIn)
	return &v, nil
}
