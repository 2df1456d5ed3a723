// Package allegro is an authenticated client for the Allegro REST API
// covering buyer messaging and post-purchase issues.
package allegro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"allegro-autoresponder/auth"
	"allegro-autoresponder/pkg/autoreply"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/oauth2"
)

// Media types used for Accept and Content-Type. Issue endpoints are only
// available in the beta version of the API.
const (
	MediaTypePublic = "application/vnd.allegro.public.v1+json"
	MediaTypeBeta   = "application/vnd.allegro.beta.v1+json"
)

const maxErrorBody = 4096

// Endpoints holds the base URLs for one Allegro environment.
type Endpoints struct {
	API   string
	OAuth string
}

// EndpointsFor returns the sandbox endpoints when environment starts with
// "sandbox" (any case) and production endpoints otherwise.
func EndpointsFor(environment string) Endpoints {
	if strings.HasPrefix(strings.ToLower(environment), "sandbox") {
		return Endpoints{
			API:   "https://api.allegro.pl.allegrosandbox.pl",
			OAuth: "https://allegro.pl.allegrosandbox.pl/auth/oauth",
		}
	}
	return Endpoints{
		API:   "https://api.allegro.pl",
		OAuth: "https://allegro.pl/auth/oauth",
	}
}

// OAuth2 returns the OAuth2 endpoint. Client credentials go in a Basic header.
func (e Endpoints) OAuth2() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   e.OAuth + "/authorize",
		TokenURL:  e.OAuth + "/token",
		AuthStyle: oauth2.AuthStyleInHeader,
	}
}

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	Body       string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s %s: %s", e.StatusCode, e.Method, e.URL, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// StatusCode returns the HTTP status carried by err, or 0 if it carries none.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsTokenError reports whether err came from obtaining an access token:
// the token endpoint rejected the grant, or no refresh token is configured.
func IsTokenError(err error) bool {
	if errors.Is(err, auth.ErrNoRefreshToken) {
		return true
	}
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

// Client calls the Allegro API. The underlying http.Client is expected to
// attach bearer tokens, as one built by oauth2.NewClient does.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	timeout  time.Duration
	attempts uint
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetry sets the number of attempts and the initial backoff for GET requests.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

// New creates a client rooted at baseURL. Each call, including all of its
// retries, is bounded by timeout.
func New(client *http.Client, baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		client:   client,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		timeout:  timeout,
		attempts: 3,
		delay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListThreads lists messaging threads, newest first.
func (c *Client) ListThreads(ctx context.Context, limit, offset int) (*autoreply.ThreadList, error) {
	var out autoreply.ThreadList
	q := pageQuery(limit, offset)
	if err := c.get(ctx, "/messaging/threads", q, MediaTypePublic, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages lists messages of a thread. When after is set only newer messages are returned.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit, offset int, after string) (*autoreply.MessageList, error) {
	var out autoreply.MessageList
	q := pageQuery(limit, offset)
	if after != "" {
		q.Set("after", after)
	}
	path := "/messaging/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.get(ctx, path, q, MediaTypePublic, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage sends text to a thread. It is never retried.
func (c *Client) PostMessage(ctx context.Context, threadID, text string) (*autoreply.Message, error) {
	var out autoreply.Message
	path := "/messaging/threads/" + url.PathEscape(threadID) + "/messages"
	body := map[string]string{"text": text}
	if err := c.post(ctx, path, body, MediaTypePublic, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIssues lists post-purchase issues.
func (c *Client) ListIssues(ctx context.Context, limit, offset int) (*autoreply.IssueList, error) {
	var out autoreply.IssueList
	if err := c.get(ctx, "/sale/issues", pageQuery(limit, offset), MediaTypeBeta, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListIssueMessages returns the chat of an issue.
func (c *Client) ListIssueMessages(ctx context.Context, issueID string, limit, offset int) (*autoreply.IssueChat, error) {
	var out autoreply.IssueChat
	path := "/sale/issues/" + url.PathEscape(issueID) + "/chat"
	if err := c.get(ctx, path, pageQuery(limit, offset), MediaTypeBeta, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostIssueMessage sends a regular message to an issue chat. It is never retried.
func (c *Client) PostIssueMessage(ctx context.Context, issueID, text string) (*autoreply.Message, error) {
	var out autoreply.Message
	path := "/sale/issues/" + url.PathEscape(issueID) + "/message"
	body := map[string]string{"text": text, "type": "REGULAR"}
	if err := c.post(ctx, path, body, MediaTypeBeta, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}

func (c *Client) get(ctx context.Context, path string, query url.Values, mediaType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = c.do(ctx, http.MethodGet, endpoint, nil, mediaType, out)
			return lastErr
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(max(c.delay, time.Millisecond)),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying API request after error", "path", path, "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("GET %s: %w", path, lastErr)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, mediaType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+path, payload, mediaType, out); err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	return nil
}

// retryable limits retries to transport failures, 429 and 5xx.
func retryable(err error) bool {
	if IsTokenError(err) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Temporary()
	}
	var decodeErr *decodeError
	return !errors.As(err, &decodeErr)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, mediaType string, out any) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", mediaType)
	if payload != nil {
		req.Header.Set("Content-Type", mediaType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("API request failed", "method", method, "url", endpoint, "duration_ms", duration.Milliseconds(), "error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("API request completed",
		"method", method,
		"url", endpoint,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &decodeError{err: err}
	}
	return nil
}
