package email

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"unicode"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// itemHeader names the thread or issue a notice is about.
const itemHeader = "X-Autoresponder-Item"

// GmailProvider delivers notices through the Gmail API as the authenticated account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	budget  Budget
	from    string // Optional; Gmail uses the authenticated account when empty
}

// NewGmailProvider creates a Gmail provider.
func NewGmailProvider(service *gmail.Service, from string, budget Budget, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
		budget:  budget,
		from:    from,
	}
}

// gmailError classifies a Gmail API failure.
type gmailError struct {
	err error
}

func (e *gmailError) Error() string { return e.err.Error() }
func (e *gmailError) Unwrap() error { return e.err }

// Temporary is true for rate limiting, server errors and failures that never
// reached the API.
func (e *gmailError) Temporary() bool {
	var apiErr *googleapi.Error
	if !errors.As(e.err, &apiErr) {
		return true
	}
	return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
}

// Send delivers n.
func (g *GmailProvider) Send(ctx context.Context, n Notice) error {
	raw := base64.URLEncoding.EncodeToString([]byte(buildMIME(g.from, n)))

	return g.budget.deliver(ctx, g.logger, "gmail", n, func(ctx context.Context) error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		if err != nil {
			return &gmailError{err: err}
		}
		return nil
	})
}

// buildMIME assembles a single-part HTML message. Header values come from
// buyer-controlled data, so control characters are dropped from each one.
func buildMIME(from string, n Notice) string {
	var msg strings.Builder
	header := func(name, value string) {
		msg.WriteString(name + ": " + headerValue(value) + "\r\n")
	}

	msg.WriteString("MIME-Version: 1.0\r\n")
	if from != "" {
		header("From", from)
	}
	header("To", n.To)
	header("Subject", mime.QEncoding.Encode("utf-8", headerValue(n.Subject)))
	if n.ItemID != "" {
		header(itemHeader, n.Tag())
	}
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(n.HTML)
	return msg.String()
}

// headerValue strips CR, LF and other control characters.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
