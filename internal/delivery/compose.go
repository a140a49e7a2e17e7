package delivery

import (
	"fmt"
	"html"
	"strings"

	"github.com/kursadbilgin/due-notifier/internal/domain"
)

// Composition is the rendered form of a notification.
type Composition struct {
	// Parts holds the text messages. Sequenced compositions go out one part at a time.
	Parts     []string
	Sequenced bool
	Documents []domain.Attachment
}

// Text joins the parts into a single message body.
func (c Composition) Text() string {
	return strings.Join(nonBlank(c.Parts), "\n")
}

// Compose renders n deterministically for its kind. Empty optional fields are left
// out. Output uses Telegram HTML, so every field value is escaped.
func Compose(n domain.Notification, attachments []domain.Attachment) Composition {
	switch n.Kind {
	case domain.KindReminder:
		return composeReminder(n)
	case domain.KindTermination:
		return composeTermination(n, attachments)
	default:
		return composeContact(n)
	}
}

func composeContact(n domain.Notification) Composition {
	var b strings.Builder
	b.WriteString("<b>New contact request</b>")
	writeField(&b, "Reference", n.ReferenceNumber)
	writeField(&b, "Customer", n.CustomerName)
	writeField(&b, "Phone", n.Phone)
	writeField(&b, "Subject", n.Title)
	writeBlock(&b, n.Description)
	writeBlock(&b, n.Note)

	return Composition{Parts: []string{b.String()}}
}

func composeTermination(n domain.Notification, attachments []domain.Attachment) Composition {
	var b strings.Builder
	b.WriteString("<b>Contract termination</b>")
	writeField(&b, "Reference", n.ReferenceNumber)
	writeField(&b, "Customer", n.CustomerName)
	writeField(&b, "Phone", n.Phone)
	writeField(&b, "Reason", n.Title)
	writeBlock(&b, n.Description)
	writeBlock(&b, n.Note)
	if len(attachments) > 0 {
		writeField(&b, "Documents", fmt.Sprintf("%d attached", len(attachments)))
	}

	return Composition{
		Parts:     []string{b.String()},
		Documents: attachments,
	}
}

// composeReminder renders the staggered alert: a headline followed by one part per
// detail block. Blank blocks stay in place and are skipped by the sequenced send.
func composeReminder(n domain.Notification) Composition {
	headline := "<b>Reminder: due now</b>"
	if title := strings.TrimSpace(n.Title); title != "" {
		headline = fmt.Sprintf("<b>Reminder: %s</b>", html.EscapeString(title))
	}

	var who strings.Builder
	writeLine(&who, "Reference", n.ReferenceNumber)
	writeLine(&who, "Customer", n.CustomerName)
	writeLine(&who, "Phone", n.Phone)

	return Composition{
		Parts: []string{
			headline,
			strings.TrimSpace(who.String()),
			escapeBlock(n.Description),
			noteBlock(n.Note),
		},
		Sequenced: true,
	}
}

func writeField(b *strings.Builder, label string, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "\n%s: %s", label, html.EscapeString(value))
}

func writeLine(b *strings.Builder, label string, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", label, html.EscapeString(value))
}

func writeBlock(b *strings.Builder, text string) {
	if block := escapeBlock(text); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}
}

func escapeBlock(text string) string {
	return html.EscapeString(strings.TrimSpace(text))
}

func noteBlock(note string) string {
	block := escapeBlock(note)
	if block == "" {
		return ""
	}
	return "<i>Note:</i> " + block
}
