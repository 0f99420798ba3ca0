// Package db provides an optional Postgres backend: a credential store for
// the token manager and a log of applied categories.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/autocat/crypto"
	"github.com/onnwee/autocat/oauth"
)

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty DB_DSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// TokenStore keeps one provider's credentials in oauth_tokens. With an
// encryptor the tokens are sealed and encryption_version is 1.
type TokenStore struct {
	DB       *sql.DB
	Provider string
	Enc      crypto.Encryptor
}

func (s *TokenStore) provider() string {
	if s.Provider == "" {
		return "twitch"
	}
	return s.Provider
}

func (s *TokenStore) Load(ctx context.Context) (oauth.Credentials, bool, error) {
	var (
		c          oauth.Credentials
		expires    sql.NullTime
		scope      string
		encVersion int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version FROM oauth_tokens WHERE provider = $1`, s.provider())
	err := row.Scan(&c.AccessToken, &c.RefreshToken, &expires, &scope, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return oauth.Credentials{}, false, nil
	}
	if err != nil {
		return oauth.Credentials{}, false, err
	}
	if encVersion == 1 && s.Enc == nil {
		return oauth.Credentials{}, true, crypto.ErrNoKey
	}
	if c.AccessToken, err = crypto.Open(s.Enc, c.AccessToken); err != nil {
		return oauth.Credentials{}, true, fmt.Errorf("decrypt access token: %w", err)
	}
	if c.RefreshToken, err = crypto.Open(s.Enc, c.RefreshToken); err != nil {
		return oauth.Credentials{}, true, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if expires.Valid {
		c.ExpiresAt = expires.Time
	}
	if scope != "" {
		c.Scope = strings.Fields(scope)
	}
	return c, true, nil
}

func (s *TokenStore) Save(ctx context.Context, c oauth.Credentials) error {
	encVersion := 0
	access, refresh := c.AccessToken, c.RefreshToken
	if s.Enc != nil {
		encVersion = 1
		var err error
		if access, err = crypto.Seal(s.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.Seal(s.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	var expires sql.NullTime
	if !c.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: c.ExpiresAt, Valid: true}
	}
	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err := s.DB.ExecContext(ctx, q, s.provider(), access, refresh, expires, strings.Join(c.Scope, " "), encVersion)
	return err
}

func (s *TokenStore) Delete(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, s.provider())
	return err
}

// HistoryEntry is one applied category change.
type HistoryEntry struct {
	Broadcaster string    `json:"broadcaster"`
	Previous    string    `json:"previous"`
	Category    string    `json:"category"`
	AppliedAt   time.Time `json:"applied_at"`
}

// History records applied categories.
type History struct{ DB *sql.DB }

func (h *History) Record(ctx context.Context, broadcaster, previous, category string) error {
	_, err := h.DB.ExecContext(ctx,
		`INSERT INTO category_history(broadcaster, previous, category) VALUES($1,$2,$3)`, broadcaster, previous, category)
	return err
}

// Recent returns up to limit entries, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := h.DB.QueryContext(ctx,
		`SELECT broadcaster, previous, category, applied_at FROM category_history ORDER BY applied_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Broadcaster, &e.Previous, &e.Category, &e.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
