package poll

import "time"

// Kind identifies what an item result refers to.
type Kind string

const (
	KindThread Kind = "thread"
	KindIssue  Kind = "issue"
)

// Outcome is the result of evaluating one thread or issue.
type Outcome string

const (
	OutcomeReplied Outcome = "replied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ItemResult describes what happened to one thread or issue.
type ItemResult struct {
	Err     error   `json:"-"`
	Kind    Kind    `json:"kind"`
	ID      string  `json:"id"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
	Error   string  `json:"error,omitempty"`
}

// CycleReport aggregates the item results of one poll cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"started_at"`
	ID        string        `json:"id,omitempty"`
	Items     []ItemResult  `json:"items"`
	Duration  time.Duration `json:"duration_ns"`
	Replied   int           `json:"replied"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
}

func (r *CycleReport) add(item ItemResult) {
	r.Items = append(r.Items, item)
	switch item.Outcome {
	case OutcomeReplied:
		r.Replied++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

func (r *CycleReport) merge(other CycleReport) {
	for _, item := range other.Items {
		r.add(item)
	}
}

func skipped(kind Kind, id, reason string) ItemResult {
	return ItemResult{Kind: kind, ID: id, Outcome: OutcomeSkipped, Reason: reason}
}

func failed(kind Kind, id, reason string, err error) ItemResult {
	return ItemResult{Kind: kind, ID: id, Outcome: OutcomeFailed, Reason: reason, Err: err, Error: err.Error()}
}
