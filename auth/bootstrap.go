package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// BootstrapConfig configures Bootstrap.
type BootstrapConfig struct {
	OAuth2     *oauth2.Config
	Persister  Persister // Optional
	HTTPClient *http.Client
	In         io.Reader
	Out        io.Writer
}

// Bootstrap runs the PKCE authorization-code flow interactively: it prints the
// authorization URL, reads back the code (or the whole redirect URL) and
// exchanges it for tokens. The refresh token is saved through the Persister.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*oauth2.Token, error) {
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	authURL := cfg.OAuth2.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	fmt.Fprintln(cfg.Out, "Log in to Allegro by opening this URL in your browser:")
	fmt.Fprintf(cfg.Out, "--- %s ---\n", authURL)
	fmt.Fprint(cfg.Out, "Paste the authorization code or the full redirect URL: ")

	line, err := bufio.NewReader(cfg.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	code, err := extractCode(strings.TrimSpace(line), state)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.OAuth2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	fmt.Fprintf(cfg.Out, "\naccess token = %s\n", tok.AccessToken)
	fmt.Fprintf(cfg.Out, "refresh token = %s\n", tok.RefreshToken)

	if cfg.Persister != nil && tok.RefreshToken != "" {
		if err := cfg.Persister.SaveRefreshToken(ctx, tok.RefreshToken); err != nil {
			return tok, fmt.Errorf("save refresh token: %w", err)
		}
		fmt.Fprintln(cfg.Out, "Refresh token saved.")
	}
	return tok, nil
}

// extractCode accepts a bare code or a redirect URL carrying ?code=...&state=...
func extractCode(input, state string) (string, error) {
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	q := u.Query()
	if got := q.Get("state"); got != "" && got != state {
		return "", fmt.Errorf("state mismatch: got %q", got)
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("redirect URL has no code parameter")
	}
	return code, nil
}
