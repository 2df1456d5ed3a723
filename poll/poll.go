// Package poll fetches buyer threads and issues and posts automatic replies.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"allegro-autoresponder/config"
	"allegro-autoresponder/metrics"
	"allegro-autoresponder/pkg/autoreply"
	"allegro-autoresponder/rules"

	"github.com/google/uuid"
)

const (
	messagesPageSize = 20

	// Issues with a longer chat already have a conversation going.
	maxIssueChat = 2
)

// API is the subset of the Allegro client the processor needs.
type API interface {
	ListThreads(ctx context.Context, limit, offset int) (*autoreply.ThreadList, error)
	ListMessages(ctx context.Context, threadID string, limit, offset int, after string) (*autoreply.MessageList, error)
	PostMessage(ctx context.Context, threadID, text string) (*autoreply.Message, error)
	ListIssues(ctx context.Context, limit, offset int) (*autoreply.IssueList, error)
	ListIssueMessages(ctx context.Context, issueID string, limit, offset int) (*autoreply.IssueChat, error)
	PostIssueMessage(ctx context.Context, issueID, text string) (*autoreply.Message, error)
}

// Notifier is told about every reply that was posted.
type Notifier interface {
	NotifyReply(ctx context.Context, event autoreply.ReplyEvent) error
}

// Stats is a snapshot of the most recent cycle.
type Stats struct {
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Runs      int          `json:"runs"`
	Failures  int          `json:"failures"`
}

// Processor runs poll cycles against the API.
type Processor struct {
	api      API
	notifier Notifier
	settings *config.Settings
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics records cycle and item outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithNotifier sends a notice for every posted reply.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(p *Processor) { p.clock = clock }
}

// New creates a new processor.
func New(api API, settings *config.Settings, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		api:      api,
		settings: settings,
		logger:   logger,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessOnce runs one full cycle: threads, then issues when enabled.
// A failure to list threads ends the cycle before issues are looked at.
func (p *Processor) ProcessOnce(ctx context.Context) (report CycleReport, err error) {
	wallStart := time.Now()
	report.StartedAt = p.clock()
	report.ID = uuid.NewString()
	logger := p.logger.With("cycle_id", report.ID)
	logger.Info("Poll cycle starting", "process_issues", p.settings.ProcessIssues)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in poll cycle", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
		report.Duration = time.Since(wallStart)
		p.finish(logger, &report, err)
	}()

	threads, err := p.processThreads(ctx, logger)
	report.merge(threads)
	if err != nil {
		return report, err
	}

	if !p.settings.ProcessIssues {
		return report, nil
	}
	issues, err := p.processIssues(ctx, logger)
	report.merge(issues)
	return report, err
}

// ProcessThreads evaluates the most recent threads and replies where due.
// The returned error is set only when the thread list itself could not be fetched
// or ctx was cancelled; per-thread failures are reported in the CycleReport.
func (p *Processor) ProcessThreads(ctx context.Context) (CycleReport, error) {
	return p.processThreads(ctx, p.logger)
}

// ProcessIssues evaluates open disputes and replies where due.
func (p *Processor) ProcessIssues(ctx context.Context) (CycleReport, error) {
	return p.processIssues(ctx, p.logger)
}

// Stats returns a snapshot of the last finished cycle.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) finish(logger *slog.Logger, report *CycleReport, err error) {
	p.metrics.ObserveCycle(report.Duration, err)

	snapshot := *report
	p.mu.Lock()
	p.stats.Runs++
	p.stats.LastCycle = &snapshot
	p.stats.LastError = ""
	if err != nil {
		p.stats.Failures++
		p.stats.LastError = err.Error()
	}
	p.mu.Unlock()

	attrs := []any{
		"replied", report.Replied,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds(),
	}
	if err != nil {
		logger.Error("Poll cycle failed", append(attrs, "error", err)...)
		return
	}
	logger.Info("Poll cycle completed", attrs...)
}

func (p *Processor) processThreads(ctx context.Context, logger *slog.Logger) (CycleReport, error) {
	var report CycleReport

	list, err := p.api.ListThreads(ctx, p.settings.MaxThreadsPerPoll, 0)
	if err != nil {
		return report, fmt.Errorf("list threads: %w", err)
	}
	logger.Info("Threads fetched", "count", len(list.Threads))

	for _, thread := range list.Threads {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping thread processing", "error", err)
			return report, err
		}
		item := p.safely(logger, KindThread, thread.ID, func() ItemResult {
			return p.processThread(ctx, logger.With("thread_id", thread.ID), thread.ID)
		})
		p.record(logger, item)
		report.add(item)
	}
	return report, nil
}

// processThread reads the clock once per thread; that reading is both the
// decision time and the fallback for a missing timestamp, so long batches
// never age out undated messages.
func (p *Processor) processThread(ctx context.Context, logger *slog.Logger, threadID string) ItemResult {
	if threadID == "" {
		return skipped(KindThread, "", "missing id")
	}
	now := p.clock()

	list, err := p.api.ListMessages(ctx, threadID, messagesPageSize, 0, "")
	if err != nil {
		return failed(KindThread, threadID, "fetch messages", err)
	}
	if len(list.Messages) == 0 {
		return skipped(KindThread, threadID, "no messages")
	}

	msgs := slices.Clone(list.Messages)
	autoreply.SortChronologically(msgs)
	last := msgs[len(msgs)-1]

	if !last.Author.IsInterlocutor {
		return skipped(KindThread, threadID, "last message not from buyer")
	}
	if last.Type != autoreply.TypeAskQuestion {
		return skipped(KindThread, threadID, "last message not a question")
	}

	msgTime := autoreply.ParseTimestamp(last.CreatedAt, now)
	decision := rules.Decide(now, msgTime, p.settings, autoreply.CategoryAskMessage)
	logger.Debug("Reply decision", "should_reply", decision.ShouldReply, "reason", decision.Reason, "message_time", msgTime.Format(time.RFC3339))

	return p.reply(ctx, logger, KindThread, threadID, last, decision, func(text string) error {
		_, err := p.api.PostMessage(ctx, threadID, text)
		return err
	})
}

func (p *Processor) processIssues(ctx context.Context, logger *slog.Logger) (CycleReport, error) {
	var report CycleReport

	list, err := p.api.ListIssues(ctx, p.settings.MaxIssuesPerPoll, 0)
	if err != nil {
		return report, fmt.Errorf("list issues: %w", err)
	}
	logger.Info("Issues fetched", "count", len(list.Issues))

	for _, issue := range list.Issues {
		if err := ctx.Err(); err != nil {
			logger.Info("Context cancelled, stopping issue processing", "error", err)
			return report, err
		}
		item := p.safely(logger, KindIssue, issue.ID, func() ItemResult {
			return p.processIssue(ctx, logger.With("issue_id", issue.ID), issue)
		})
		p.record(logger, item)
		report.add(item)
	}
	return report, nil
}

func (p *Processor) processIssue(ctx context.Context, logger *slog.Logger, issue autoreply.Issue) ItemResult {
	if issue.ID == "" {
		return skipped(KindIssue, "", "missing id")
	}
	switch status := issue.Status(); status {
	case autoreply.StatusDisputeOngoing:
	case "":
		return skipped(KindIssue, issue.ID, "no status")
	default:
		return skipped(KindIssue, issue.ID, "status "+status)
	}
	now := p.clock()

	chat, err := p.api.ListIssueMessages(ctx, issue.ID, messagesPageSize, 0)
	if err != nil {
		return failed(KindIssue, issue.ID, "fetch chat", err)
	}
	if len(chat.Chat) == 0 {
		return skipped(KindIssue, issue.ID, "no messages")
	}
	if len(chat.Chat) > maxIssueChat {
		return skipped(KindIssue, issue.ID, "conversation already in progress")
	}

	msgs := slices.Clone(chat.Chat)
	autoreply.SortChronologically(msgs)
	last := msgs[len(msgs)-1]

	if last.Author.Role != autoreply.RoleBuyer {
		return skipped(KindIssue, issue.ID, "last message not from buyer")
	}

	msgTime := autoreply.ParseTimestamp(last.CreatedAt, now)
	decision := rules.Decide(now, msgTime, p.settings, autoreply.CategoryIssue)
	logger.Debug("Reply decision", "should_reply", decision.ShouldReply, "reason", decision.Reason, "message_time", msgTime.Format(time.RFC3339))

	return p.reply(ctx, logger, KindIssue, issue.ID, last, decision, func(text string) error {
		_, err := p.api.PostIssueMessage(ctx, issue.ID, text)
		return err
	})
}

// reply posts decision.Message when the decision calls for it.
func (p *Processor) reply(ctx context.Context, logger *slog.Logger, kind Kind, id string, last autoreply.Message, decision autoreply.Decision, post func(text string) error) ItemResult {
	if !decision.ShouldReply {
		return skipped(kind, id, decision.Reason)
	}
	if decision.Message == "" {
		return skipped(kind, id, "empty template")
	}
	if err := post(decision.Message); err != nil {
		return failed(kind, id, "post reply", err)
	}

	logger.Info("Auto-reply posted", "reason", decision.Reason)

	if p.notifier != nil {
		category := autoreply.CategoryAskMessage
		if kind == KindIssue {
			category = autoreply.CategoryIssue
		}
		event := autoreply.ReplyEvent{
			Category:  category,
			ID:        id,
			BuyerText: last.Text,
			ReplyText: decision.Message,
			Reason:    decision.Reason,
			PostedAt:  p.clock(),
		}
		if err := p.notifier.NotifyReply(ctx, event); err != nil {
			logger.Warn("Reply notification failed", "error", err)
		}
	}

	return ItemResult{Kind: kind, ID: id, Outcome: OutcomeReplied, Reason: decision.Reason}
}

// safely runs fn and converts a panic into a failed item.
func (p *Processor) safely(logger *slog.Logger, kind Kind, id string, fn func() ItemResult) (item ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in item processing", "kind", kind, "id", id, "panic", r)
			item = failed(kind, id, "panic", fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func (p *Processor) record(logger *slog.Logger, item ItemResult) {
	p.metrics.ObserveItem(string(item.Kind), string(item.Outcome))

	switch item.Outcome {
	case OutcomeFailed:
		logger.Warn("Item processing failed", "kind", item.Kind, "id", item.ID, "reason", item.Reason, "error", item.Err)
	case OutcomeSkipped:
		logger.Debug("Item skipped", "kind", item.Kind, "id", item.ID, "reason", item.Reason)
	}
}
