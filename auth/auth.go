// Package auth obtains Allegro access tokens from a rotating refresh token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"allegro-autoresponder/config"

	"golang.org/x/oauth2"
)

const (
	// Access tokens are renewed this long before they expire.
	earlyExpiry = 120 * time.Second

	// Used when the token response carries no expires_in.
	defaultLifetime = time.Hour

	persistTimeout = 30 * time.Second
)

// ErrNoRefreshToken is returned when no refresh token has been configured.
var ErrNoRefreshToken = errors.New("no refresh token configured")

// Persister stores a rotated refresh token so it survives a restart.
type Persister interface {
	SaveRefreshToken(ctx context.Context, token string) error
}

// Config configures NewTokenSource.
type Config struct {
	OAuth2     *oauth2.Config
	Credential *config.Credential
	Persister  Persister    // Optional
	HTTPClient *http.Client // Optional client for the token endpoint
	Logger     *slog.Logger
}

// NewTokenSource returns a token source that refreshes the access token with
// the refresh token held in cfg.Credential. Tokens are cached until shortly
// before expiry. When the server rotates the refresh token the credential is
// updated and the new value handed to cfg.Persister.
//
// The returned source is safe for concurrent use.
func NewTokenSource(ctx context.Context, cfg Config) oauth2.TokenSource {
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, &refresher{ctx: ctx, cfg: cfg}, earlyExpiry)
}

type refresher struct {
	ctx context.Context
	cfg Config
}

// Token performs one refresh-token grant.
func (r *refresher) Token() (*oauth2.Token, error) {
	current := r.cfg.Credential.Get()
	if current == "" {
		r.cfg.Logger.Error("Cannot obtain access token", "error", ErrNoRefreshToken)
		return nil, ErrNoRefreshToken
	}

	tok, err := r.cfg.OAuth2.TokenSource(r.ctx, &oauth2.Token{RefreshToken: current}).Token()
	if err != nil {
		r.cfg.Logger.Error("Access token refresh failed", "error", err)
		return nil, fmt.Errorf("refresh access token: %w", err)
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(defaultLifetime)
	}

	r.cfg.Logger.Info("Access token refreshed", "expires_at", tok.Expiry.Format(time.RFC3339))

	if tok.RefreshToken != "" && tok.RefreshToken != current {
		r.rotate(tok.RefreshToken)
	}
	return tok, nil
}

func (r *refresher) rotate(token string) {
	r.cfg.Credential.Set(token)
	r.cfg.Logger.Info("Refresh token rotated")

	if r.cfg.Persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), persistTimeout)
	defer cancel()
	if err := r.cfg.Persister.SaveRefreshToken(ctx, token); err != nil {
		r.cfg.Logger.Warn("Failed to persist rotated refresh token", "error", err)
	}
}
