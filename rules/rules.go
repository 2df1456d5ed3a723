// Package rules decides whether a buyer message gets an automatic reply.
package rules

import (
	"time"

	"allegro-autoresponder/config"
	"allegro-autoresponder/pkg/autoreply"
)

// MaxMessageAge is the oldest a message may be and still get a reply.
const MaxMessageAge = 10 * time.Minute

// Decide evaluates one message. It is pure and safe for concurrent use.
//
// Messages older than MaxMessageAge never get a reply; this is what keeps a
// message from being answered on every poll. Messages stamped in the future
// are treated as fresh. Working hours and the reply toggles are not consulted.
func Decide(now, msgTime time.Time, settings *config.Settings, category autoreply.Category) autoreply.Decision {
	if now.Sub(msgTime) > MaxMessageAge {
		return autoreply.Decision{Reason: "message too old"}
	}
	if category == autoreply.CategoryIssue {
		return autoreply.Decision{ShouldReply: true, Message: settings.IssueTemplate, Reason: "issue"}
	}
	return autoreply.Decision{ShouldReply: true, Message: settings.FirstContactTemplate, Reason: "ask message"}
}

// IsWorkingTime reports whether now falls within business hours in the
// business timezone. The window is [WorkStartHour, WorkEndHour).
func IsWorkingTime(now time.Time, settings *config.Settings) bool {
	loc := settings.BusinessTZ
	if loc == nil {
		loc = time.UTC
	}
	h := now.In(loc).Hour()
	return settings.WorkStartHour <= h && h < settings.WorkEndHour
}
