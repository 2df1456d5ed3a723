package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider delivers notices through the Brevo transactional email API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	budget   Budget
	endpoint string
	apiKey   string
	from     brevoContact
}

// NewBrevoProvider creates a Brevo provider sending as fromName <fromAddr>.
func NewBrevoProvider(apiKey, fromAddr, fromName string, budget Budget, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: budget.Timeout},
		logger:   logger,
		budget:   budget,
		endpoint: brevoEndpoint,
		apiKey:   apiKey,
		from:     brevoContact{Email: fromAddr, Name: fromName},
	}
}

type brevoMessage struct {
	Sender  brevoContact      `json:"sender"`
	To      []brevoContact    `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	Tags    []string          `json:"tags,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// brevoError is a non-2xx answer from Brevo.
type brevoError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *brevoError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether Brevo may accept the same notice later.
func (e *brevoError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Send delivers n. Tags and the item header let the Brevo log be searched
// by thread or issue.
func (b *BrevoProvider) Send(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(brevoMessage{
		Sender:  b.from,
		To:      []brevoContact{{Email: n.To}},
		Subject: n.Subject,
		HTML:    n.HTML,
		Tags:    noticeTags(n),
		Headers: map[string]string{itemHeader: n.Tag()},
	})
	if err != nil {
		return fmt.Errorf("encode brevo message: %w", err)
	}

	return b.budget.deliver(ctx, b.logger, "brevo", n, func(ctx context.Context) error {
		return b.post(ctx, payload)
	})
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close Brevo response body", "error", closeErr)
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &brevoError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	_ = json.Unmarshal(body, apiErr) // Brevo errors are {"code","message"}; the status is enough without them
	if !apiErr.Temporary() {
		b.logger.Warn("Brevo rejected reply notice", "status_code", resp.StatusCode, "code", apiErr.Code)
	}
	return apiErr
}

// noticeTags labels a notice by kind and environment.
func noticeTags(n Notice) []string {
	tags := []string{"autoreply", n.Kind}
	if n.Env != "" {
		tags = append(tags, n.Env)
	}
	return tags
}
