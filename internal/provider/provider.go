package provider

import (
	"context"
	"fmt"
	"strings"
)

// ParseModeHTML renders a text body as Telegram-flavoured HTML.
const ParseModeHTML = "HTML"

// OutboundMessage is one message to a chat: plain text, or a document when
// DocumentRef is set, in which case Text is the caption.
type OutboundMessage struct {
	ChatID      string
	Text        string
	ParseMode   string
	DocumentRef string
}

func (m OutboundMessage) IsDocument() bool {
	return strings.TrimSpace(m.DocumentRef) != ""
}

func (m OutboundMessage) Validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("chat id is required")
	}
	if !m.IsDocument() && strings.TrimSpace(m.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// Provider is the outbound channel port.
type Provider interface {
	Send(ctx context.Context, msg OutboundMessage) (*ProviderResponse, error)
}

// ProviderResponse stores channel call metadata for the attempt audit trail.
type ProviderResponse struct {
	StatusCode int
	MessageID  string
}
