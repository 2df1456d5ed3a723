package email

import (
	"fmt"
	"strings"

	"allegro-autoresponder/pkg/autoreply"
)

func formatReplyBody(event autoreply.ReplyEvent) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"pl\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #ff5a00; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".label { color: #7f8c8d; font-size: 0.9em; text-transform: uppercase; }\n")
	b.WriteString(".message { background: #f8f9fa; padding: 15px 20px; border-radius: 8px; margin: 8px 0 20px; white-space: pre-wrap; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".message { background: #262626; }\n")
	b.WriteString(".label, .footer { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	kind := "Buyer question"
	if event.Category == autoreply.CategoryIssue {
		kind = "Dispute"
	}

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s %s</h2>\n", kind, escapeHTML(event.ID)))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"label\">Buyer wrote</div>\n")
	buyer := event.BuyerText
	if buyer == "" {
		buyer = "(no text)"
	}
	b.WriteString(fmt.Sprintf("<div class=\"message buyer\">%s</div>\n", escapeHTML(buyer)))

	b.WriteString("<div class=\"label\">Automatic reply</div>\n")
	b.WriteString(fmt.Sprintf("<div class=\"message reply\">%s</div>\n", escapeHTML(event.ReplyText)))

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("Rule: %s", escapeHTML(event.Reason)))
	if !event.PostedAt.IsZero() {
		b.WriteString(fmt.Sprintf(" &bull; Sent %s UTC", event.PostedAt.UTC().Format("Jan 2, 2006 at 3:04 PM")))
	}
	b.WriteString("\n</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
