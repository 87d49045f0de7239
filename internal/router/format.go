package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/microclaw/microclaw/internal/store"
)

// internalBlocks matches agent reasoning the user must never see.
var internalBlocks = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// BuildTriggerPattern compiles the mention pattern for a trigger token.
// The token matches case-insensitively at the start of a trimmed message,
// with or without a leading "@", and only at a word boundary so "@AI4U"
// does not fire on "@AI4Users".
func BuildTriggerPattern(token string) *regexp.Regexp {
	token = strings.TrimPrefix(token, "@")
	return regexp.MustCompile(`(?i)^@?` + regexp.QuoteMeta(token) + `\b`)
}

// FormatMessages renders a batch of messages as one prompt unit, preserving
// store order.
func FormatMessages(msgs []store.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, `<message sender="%s" time="%s">%s</message>`,
			escapeXML(m.SenderName), m.Timestamp, escapeXML(m.Content))
	}
	return b.String()
}

// FormatOutbound strips internal-reasoning blocks from agent output and
// trims the remainder. An empty result means nothing should be sent.
func FormatOutbound(raw string) string {
	return strings.TrimSpace(internalBlocks.ReplaceAllString(raw, ""))
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func escapeXML(s string) string {
	return xmlEscaper.Replace(s)
}
