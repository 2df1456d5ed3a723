package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"allegro-autoresponder/pkg/autoreply"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatSubject(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		event autoreply.ReplyEvent
		want  string
	}{
		{
			name:  "production thread",
			env:   "production",
			event: autoreply.ReplyEvent{Category: autoreply.CategoryAskMessage, ID: "t-1"},
			want:  "Auto-reply sent to thread t-1",
		},
		{
			name:  "sandbox issue",
			env:   "sandbox",
			event: autoreply.ReplyEvent{Category: autoreply.CategoryIssue, ID: "i-9"},
			want:  "[sandbox] Auto-reply sent to issue i-9",
		},
		{
			name:  "no environment",
			event: autoreply.ReplyEvent{Category: autoreply.CategoryAskMessage, ID: "t-2"},
			want:  "Auto-reply sent to thread t-2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatSubject(tt.env, tt.event); got != tt.want {
				t.Errorf("formatSubject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatReplyBody(t *testing.T) {
	event := autoreply.ReplyEvent{
		Category:  autoreply.CategoryAskMessage,
		ID:        "thread-1",
		BuyerText: `Czy jest <b>dostępny</b> & "nowy"?`,
		ReplyText: "Dzień dobry, odpowiemy wkrótce.",
		Reason:    "ask message",
		PostedAt:  time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
	}

	body := formatReplyBody(event)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}

	if got := doc.Find(".header h2").Text(); got != "Buyer question thread-1" {
		t.Errorf("header = %q", got)
	}
	if got := doc.Find(".message.buyer").Text(); got != event.BuyerText {
		t.Errorf("buyer text = %q, want %q", got, event.BuyerText)
	}
	if n := doc.Find(".message.buyer b").Length(); n != 0 {
		t.Errorf("buyer markup was not escaped: found %d <b> elements", n)
	}
	if got := doc.Find(".message.reply").Text(); got != event.ReplyText {
		t.Errorf("reply text = %q, want %q", got, event.ReplyText)
	}
	footer := doc.Find(".footer").Text()
	if !strings.Contains(footer, "Rule: ask message") {
		t.Errorf("footer missing rule: %q", footer)
	}
	if !strings.Contains(footer, "Jan 1, 2024 at 12:05 PM") {
		t.Errorf("footer missing sent time: %q", footer)
	}
}

func TestFormatReplyBodyIssueWithoutBuyerText(t *testing.T) {
	body := formatReplyBody(autoreply.ReplyEvent{
		Category:  autoreply.CategoryIssue,
		ID:        "issue-7",
		ReplyText: "Reklamacja przyjęta.",
		Reason:    "issue",
	})
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if got := doc.Find(".header h2").Text(); got != "Dispute issue-7" {
		t.Errorf("header = %q", got)
	}
	if got := doc.Find(".message.buyer").Text(); got != "(no text)" {
		t.Errorf("buyer text = %q, want placeholder", got)
	}
	if strings.Contains(doc.Find(".footer").Text(), "Sent") {
		t.Error("footer should omit sent time when PostedAt is zero")
	}
}

func TestSenderNotifyReply(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	s := New(mock, discardLogger(), "ops@example.com", "sandbox")

	err := s.NotifyReply(context.Background(), autoreply.ReplyEvent{
		Category:  autoreply.CategoryIssue,
		ID:        "issue-1",
		BuyerText: "Paczka nie dotarła",
		ReplyText: "Sprawdzimy to.",
		Reason:    "issue",
	})
	if err != nil {
		t.Fatalf("NotifyReply() error = %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d notices, want 1", len(sent))
	}
	n := sent[0]
	if n.To != "ops@example.com" || n.Kind != "issue" || n.ItemID != "issue-1" || n.Env != "sandbox" {
		t.Errorf("notice = %+v", n)
	}
	if n.Subject != "[sandbox] Auto-reply sent to issue issue-1" {
		t.Errorf("Subject = %q", n.Subject)
	}
	if n.Tag() != "issue/issue-1" {
		t.Errorf("Tag() = %q", n.Tag())
	}
	if !strings.Contains(n.HTML, "Paczka nie dotarła") {
		t.Error("body does not contain the buyer text")
	}
}

type failingProvider struct{}

func (failingProvider) Send(context.Context, Notice) error {
	return io.ErrUnexpectedEOF
}

func TestSenderNotifyReplyError(t *testing.T) {
	s := New(failingProvider{}, discardLogger(), "ops@example.com", "production")
	err := s.NotifyReply(context.Background(), autoreply.ReplyEvent{ID: "t"})
	if !errors.Is(err, io.ErrUnexpectedEOF) || !strings.Contains(err.Error(), "thread/t") {
		t.Errorf("NotifyReply() error = %v, want wrapped send error naming the item", err)
	}
}

func TestNewBudget(t *testing.T) {
	if b := NewBudget(12 * time.Second); b.Timeout != 12*time.Second || b.Attempts != 2 {
		t.Errorf("NewBudget(12s) = %+v", b)
	}
	if b := NewBudget(0); b.Timeout != 30*time.Second {
		t.Errorf("NewBudget(0).Timeout = %v, want 30s", b.Timeout)
	}
}

func testBudget() Budget {
	return Budget{Timeout: 2 * time.Second, Attempts: 3, Delay: time.Millisecond}
}

func testNotice() Notice {
	return Notice{
		To:      "ops@example.com",
		Subject: "Auto-reply sent to thread t-1",
		HTML:    "<p>hi</p>",
		Kind:    "thread",
		ItemID:  "t-1",
		Env:     "sandbox",
	}
}

func newBrevoTest(t *testing.T, handler http.HandlerFunc, budget Budget) *BrevoProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewBrevoProvider("key-123", "bot@example.com", "Allegro Autoresponder", budget, discardLogger())
	b.endpoint = srv.URL
	return b
}

func TestBrevoSend(t *testing.T) {
	var got brevoMessage
	var apiKey string
	b := newBrevoTest(t, func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}, testBudget())

	if err := b.Send(context.Background(), testNotice()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if apiKey != "key-123" {
		t.Errorf("api-key header = %q", apiKey)
	}
	if got.Sender.Email != "bot@example.com" || got.Sender.Name != "Allegro Autoresponder" {
		t.Errorf("sender = %+v", got.Sender)
	}
	if len(got.To) != 1 || got.To[0].Email != "ops@example.com" {
		t.Errorf("to = %+v", got.To)
	}
	if got.Subject != "Auto-reply sent to thread t-1" || got.HTML != "<p>hi</p>" {
		t.Errorf("subject/html = %q / %q", got.Subject, got.HTML)
	}
	if strings.Join(got.Tags, ",") != "autoreply,thread,sandbox" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.Headers[itemHeader] != "thread/t-1" {
		t.Errorf("headers = %v", got.Headers)
	}
}

func TestBrevoRetries(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   string
		wantCalls int32
	}{
		{name: "rejected key is not retried", statuses: []int{401}, wantErr: "HTTP 401 unauthorized", wantCalls: 1},
		{name: "server error then success", statuses: []int{503, 201}, wantCalls: 2},
		{name: "rate limited until budget is spent", statuses: []int{429, 429, 429, 429}, wantErr: "HTTP 429", wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			b := newBrevoTest(t, func(w http.ResponseWriter, _ *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[min(int(n), len(tt.statuses))-1]
				w.WriteHeader(status)
				if status == http.StatusUnauthorized {
					w.Write([]byte(`{"code":"unauthorized","message":"Key not found"}`))
				}
			}, testBudget())

			err := b.Send(context.Background(), testNotice())
			switch {
			case tt.wantErr == "" && err != nil:
				t.Fatalf("Send() error = %v", err)
			case tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)):
				t.Fatalf("Send() error = %v, want %q", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestBrevoBudgetBoundsSlowProvider(t *testing.T) {
	b := newBrevoTest(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, Budget{Timeout: 100 * time.Millisecond, Attempts: 5, Delay: time.Millisecond})

	start := time.Now()
	if err := b.Send(context.Background(), testNotice()); err == nil {
		t.Fatal("Send() expected error from a stalled provider")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send() took %v, want it bounded by the budget", elapsed)
	}
}

func newGmailTest(t *testing.T, handler http.HandlerFunc) *GmailProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	svc, err := gmail.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("gmail.NewService() error = %v", err)
	}
	return NewGmailProvider(svc, "bot@example.com", testBudget(), discardLogger())
}

func TestGmailSend(t *testing.T) {
	var raw string
	g := newGmailTest(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/messages/send") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var msg gmail.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode request: %v", err)
		}
		raw = msg.Raw
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"sent-1"}`))
	})

	if err := g.Send(context.Background(), testNotice()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode raw message: %v", err)
	}
	for _, want := range []string{"From: bot@example.com\r\n", "To: ops@example.com\r\n", itemHeader + ": thread/t-1\r\n"} {
		if !strings.Contains(string(decoded), want) {
			t.Errorf("message missing %q:\n%s", want, decoded)
		}
	}
}

func TestGmailRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"forbidden is not retried", http.StatusForbidden, 1},
		{"server error uses every attempt", http.StatusInternalServerError, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			g := newGmailTest(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprintf(w, `{"error":{"code":%d,"message":"nope"}}`, tt.status)
			})

			if err := g.Send(context.Background(), testNotice()); err == nil {
				t.Fatalf("Send() expected error for HTTP %d", tt.status)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("server called %d times, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestHeaderValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Auto-reply sent to thread 1", "Auto-reply sent to thread 1"},
		{"crlf injection", "Subject\r\nBcc: evil@example.com", "SubjectBcc: evil@example.com"},
		{"tab and del", "a\tb\x7fc", "abc"},
		{"polish", "Dzień dobry", "Dzień dobry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := headerValue(tt.input); got != tt.want {
				t.Errorf("headerValue(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBuildMIME(t *testing.T) {
	n := testNotice()
	n.Subject = "Odpowiedź wysłana"
	n.To = "ops@example.com\r\nBcc: evil@example.com"
	msg := buildMIME("bot@example.com", n)

	if !strings.HasPrefix(msg, "MIME-Version: 1.0\r\nFrom: bot@example.com\r\nTo: ops@example.comBcc: evil@example.com\r\n") {
		t.Errorf("unexpected headers: %q", msg)
	}
	if !strings.Contains(msg, "Subject: =?utf-8?q?") {
		t.Errorf("subject not Q-encoded: %q", msg)
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>") {
		t.Errorf("body not separated from headers: %q", msg)
	}

	plain := testNotice()
	plain.ItemID = ""
	noFrom := buildMIME("", plain)
	if strings.Contains(noFrom, "From:") || strings.Contains(noFrom, itemHeader) {
		t.Errorf("optional headers should be omitted: %q", noFrom)
	}
	if !strings.Contains(noFrom, "Subject: Auto-reply sent to thread t-1\r\n") {
		t.Errorf("ASCII subject should be left alone: %q", noFrom)
	}
}
