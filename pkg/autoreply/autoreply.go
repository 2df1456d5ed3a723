// Package autoreply contains the core domain types for the Allegro autoresponder.
package autoreply

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Category selects which reply template a decision uses.
type Category int

const (
	CategoryAskMessage Category = iota // Buyer question in a messaging thread
	CategoryIssue                      // Post-purchase dispute
)

func (c Category) String() string {
	switch c {
	case CategoryIssue:
		return "ISSUE"
	default:
		return "ASK_MESSAGE"
	}
}

// Values the upstream API uses for the fields the engine filters on.
const (
	TypeAskQuestion      = "ASK_QUESTION"
	StatusDisputeOngoing = "DISPUTE_ONGOING"
	RoleBuyer            = "BUYER"
)

// Author describes who wrote a message.
type Author struct {
	Login          string `json:"login,omitempty"`
	Role           string `json:"role,omitempty"`           // Issue chats: BUYER, SELLER, ADMIN...
	IsInterlocutor bool   `json:"isInterlocutor,omitempty"` // Threads: true when written by the other party
}

// Message is a single entry in a messaging thread or an issue chat.
type Message struct {
	ID           string `json:"id,omitempty"`
	Text         string `json:"text,omitempty"`
	Type         string `json:"type,omitempty"`
	Author       Author `json:"author"`
	CreatedAt    string `json:"createdAt,omitempty"`
	Created      string `json:"created,omitempty"`
	CreationDate string `json:"creationDate,omitempty"`
}

// SortKey returns the raw creation time used for ordering.
// Messages without any timestamp sort first.
func (m *Message) SortKey() string {
	switch {
	case m.CreatedAt != "":
		return m.CreatedAt
	case m.Created != "":
		return m.Created
	default:
		return m.CreationDate
	}
}

// Thread is a buyer-seller conversation. Only its identifier is needed.
type Thread struct {
	ID string `json:"id"`
}

// UnmarshalJSON accepts both {"id": ...} and {"thread": {"id": ...}}.
func (t *Thread) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string `json:"id"`
		Thread *struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.ID = raw.ID
	if t.ID == "" && raw.Thread != nil {
		t.ID = raw.Thread.ID
	}
	return nil
}

// ThreadList is the payload of the thread listing endpoint.
type ThreadList struct {
	Threads []Thread `json:"threads"`
}

// UnmarshalJSON falls back to "items" when "threads" is empty.
func (l *ThreadList) UnmarshalJSON(data []byte) error {
	var raw struct {
		Threads []Thread `json:"threads"`
		Items   []Thread `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Threads = raw.Threads
	if len(l.Threads) == 0 {
		l.Threads = raw.Items
	}
	return nil
}

// MessageList is the payload of the thread messages endpoint.
type MessageList struct {
	Messages []Message `json:"messages"`
}

// UnmarshalJSON falls back to "items" when "messages" is empty.
func (l *MessageList) UnmarshalJSON(data []byte) error {
	var raw struct {
		Messages []Message `json:"messages"`
		Items    []Message `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.Messages = raw.Messages
	if len(l.Messages) == 0 {
		l.Messages = raw.Items
	}
	return nil
}

// IssueState holds the current status of an issue.
type IssueState struct {
	Status string `json:"status"`
}

// Issue is a post-purchase dispute or complaint.
type Issue struct {
	ID           string      `json:"id"`
	CurrentState *IssueState `json:"currentState,omitempty"`
}

// Status returns the current status, or "" when the issue carries none.
func (i *Issue) Status() string {
	if i.CurrentState == nil {
		return ""
	}
	return i.CurrentState.Status
}

// IssueList is the payload of the issue listing endpoint.
type IssueList struct {
	Issues []Issue `json:"issues"`
}

// IssueChat is the payload of the issue chat endpoint.
type IssueChat struct {
	Chat []Message `json:"chat"`
}

// Decision is the outcome of evaluating one message.
// Reason is diagnostic only.
type Decision struct {
	ShouldReply bool
	Message     string
	Reason      string
}

// ReplyEvent describes a reply that was posted upstream.
type ReplyEvent struct {
	Category  Category
	ID        string // Thread or issue identifier
	BuyerText string
	ReplyText string
	Reason    string
	PostedAt  time.Time
}

// SortChronologically orders messages ascending by their raw creation time.
// The sort is stable so messages sharing a key keep their upstream order.
func SortChronologically(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return strings.Compare(a.SortKey(), b.SortKey())
	})
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 style timestamp.
// Timestamps without a zone are taken as UTC. Empty or unparseable input yields fallback.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
