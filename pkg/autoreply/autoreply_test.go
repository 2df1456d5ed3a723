package autoreply

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSortChronologically(t *testing.T) {
	msgs := []Message{
		{ID: "b", CreatedAt: "2024-01-02"},
		{ID: "a", CreatedAt: "2024-01-01"},
	}

	SortChronologically(msgs)

	if msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Errorf("SortChronologically() order = [%s %s], want [a b]", msgs[0].ID, msgs[1].ID)
	}
}

func TestSortChronologicallyMissingTimestampsFirst(t *testing.T) {
	msgs := []Message{
		{ID: "dated", CreatedAt: "2024-01-01T10:00:00Z"},
		{ID: "undated"},
		{ID: "legacy", CreationDate: "2023-12-31T10:00:00Z"},
	}

	SortChronologically(msgs)

	want := []string{"undated", "legacy", "dated"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, msgs[i].ID, id)
		}
	}
}

func TestSortKeyFallbacks(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"createdAt wins", Message{CreatedAt: "a", Created: "b", CreationDate: "c"}, "a"},
		{"created next", Message{Created: "b", CreationDate: "c"}, "b"},
		{"creationDate last", Message{CreationDate: "c"}, "c"},
		{"none", Message{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.SortKey(); got != tt.want {
				t.Errorf("SortKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	fallback := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"zulu", "2024-01-01T12:00:00Z", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"fractional seconds", "2024-01-01T12:00:00.123Z", time.Date(2024, 1, 1, 12, 0, 0, 123000000, time.UTC)},
		{"offset", "2024-01-01T13:00:00+01:00", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"naive is utc", "2024-01-01T12:00:00", time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		{"date only", "2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"empty", "", fallback},
		{"garbage", "yesterday-ish", fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.input, fallback)
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestThreadListDecoding(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []string
	}{
		{"threads key", `{"threads":[{"id":"t1"},{"id":"t2"}]}`, []string{"t1", "t2"}},
		{"items fallback", `{"threads":[],"items":[{"id":"t3"}]}`, []string{"t3"}},
		{"nested thread id", `{"threads":[{"thread":{"id":"t4"}}]}`, []string{"t4"}},
		{"no id", `{"threads":[{"read":true}]}`, []string{""}},
		{"empty", `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var list ThreadList
			if err := json.Unmarshal([]byte(tt.payload), &list); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if len(list.Threads) != len(tt.want) {
				t.Fatalf("got %d threads, want %d", len(list.Threads), len(tt.want))
			}
			for i, id := range tt.want {
				if list.Threads[i].ID != id {
					t.Errorf("thread %d id = %q, want %q", i, list.Threads[i].ID, id)
				}
			}
		})
	}
}

func TestMessageListItemsFallback(t *testing.T) {
	var list MessageList
	payload := `{"items":[{"id":"m1","type":"ASK_QUESTION","author":{"login":"buyer","isInterlocutor":true},"createdAt":"2024-01-01T12:00:00Z"}]}`
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(list.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(list.Messages))
	}
	m := list.Messages[0]
	if !m.Author.IsInterlocutor || m.Type != TypeAskQuestion {
		t.Errorf("decoded message = %+v", m)
	}
}

func TestIssueStatus(t *testing.T) {
	var list IssueList
	payload := `{"issues":[{"id":"i1","currentState":{"status":"DISPUTE_ONGOING"}},{"id":"i2"}]}`
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := list.Issues[0].Status(); got != StatusDisputeOngoing {
		t.Errorf("Status() = %q, want %q", got, StatusDisputeOngoing)
	}
	if got := list.Issues[1].Status(); got != "" {
		t.Errorf("Status() without state = %q, want empty", got)
	}
}
