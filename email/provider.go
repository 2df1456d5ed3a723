// Package email sends operator notices about automatic replies via pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"allegro-autoresponder/pkg/autoreply"

	"github.com/codeGROOVE-dev/retry"
)

// Notice is one reply notice ready to be delivered.
type Notice struct {
	To      string
	Subject string
	HTML    string

	Kind   string // "thread" or "issue"
	ItemID string
	Env    string
}

// Tag identifies the item a notice is about, e.g. "issue/123".
func (n Notice) Tag() string {
	return n.Kind + "/" + n.ItemID
}

// Provider delivers notices.
type Provider interface {
	Send(ctx context.Context, n Notice) error
}

// Budget bounds how long delivering one notice may hold up the poll item that
// posted the reply.
type Budget struct {
	Timeout  time.Duration // Covers every attempt
	Attempts uint
	Delay    time.Duration
}

// NewBudget derives a notice budget from the API request timeout, so a slow
// mail provider costs an item no more than one more API call would.
func NewBudget(requestTimeout time.Duration) Budget {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return Budget{Timeout: requestTimeout, Attempts: 2, Delay: 500 * time.Millisecond}
}

// temporary is implemented by provider errors that may succeed on retry.
type temporary interface {
	Temporary() bool
}

// deliver runs send within the budget. Errors that report Temporary() == false
// end delivery at once; anything else (transport failures) is retried.
func (b Budget) deliver(ctx context.Context, logger *slog.Logger, provider string, n Notice, send func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = send(ctx)
			return lastErr
		},
		retry.Attempts(max(b.Attempts, 1)),
		retry.Delay(b.Delay),
		retry.MaxDelay(b.Timeout/2),
		retry.MaxJitter(max(b.Delay, time.Millisecond)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var t temporary
			if errors.As(err, &t) {
				return t.Temporary()
			}
			return true
		}),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Info("Retrying reply notice", "provider", provider, "item", n.Tag(), "attempt", attempt, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("%s: %w", provider, lastErr)
	}
	return fmt.Errorf("%s: %w", provider, err)
}

// Sender notifies an operator mailbox whenever a reply is posted.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string
	env      string // Shown in the subject so sandbox notices stand out
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, to, env string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
		env:      env,
	}
}

// NotifyReply sends a notice describing a posted reply.
func (s *Sender) NotifyReply(ctx context.Context, event autoreply.ReplyEvent) error {
	n := Notice{
		To:      s.to,
		Subject: formatSubject(s.env, event),
		HTML:    formatReplyBody(event),
		Kind:    kindOf(event),
		ItemID:  event.ID,
		Env:     s.env,
	}

	start := time.Now()
	if err := s.provider.Send(ctx, n); err != nil {
		return fmt.Errorf("send reply notice for %s: %w", n.Tag(), err)
	}
	s.logger.Info("Reply notice sent",
		"item", n.Tag(),
		"reason", event.Reason,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func kindOf(event autoreply.ReplyEvent) string {
	if event.Category == autoreply.CategoryIssue {
		return "issue"
	}
	return "thread"
}

func formatSubject(env string, event autoreply.ReplyEvent) string {
	subject := fmt.Sprintf("Auto-reply sent to %s %s", kindOf(event), event.ID)
	if env != "" && env != "production" {
		subject = "[" + env + "] " + subject
	}
	return subject
}
