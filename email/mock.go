package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs notices instead of sending them and keeps them for inspection.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Notice
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send records n.
func (m *MockProvider) Send(_ context.Context, n Notice) error {
	m.logger.Info("Mock reply notice",
		"to", n.To,
		"item", n.Tag(),
		"subject", n.Subject,
		"body_length", len(n.HTML))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns the notices captured so far.
func (m *MockProvider) Sent() []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notice, len(m.sent))
	copy(out, m.sent)
	return out
}
