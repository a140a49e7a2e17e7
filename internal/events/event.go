package events

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type identifies a notification lifecycle transition.
type Type string

const (
	TypeSent   Type = "notification.sent"
	TypeFailed Type = "notification.failed"
	TypeDead   Type = "notification.dead"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeSent, TypeFailed, TypeDead:
		return true
	default:
		return false
	}
}

// RoutingKey is the topic-exchange routing key the event is published under.
func (t Type) RoutingKey() string {
	return string(t)
}

// Event is the JSON body published for every lifecycle transition.
type Event struct {
	Type           Type      `json:"type"`
	NotificationID string    `json:"notificationId"`
	Kind           string    `json:"kind"`
	ChatID         string    `json:"chatId"`
	Attempt        int       `json:"attempt"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func (e Event) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurredAt is required")
	}
	return nil
}

// Publisher emits lifecycle events. Callers treat publishing as best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards events. It is used when no broker URL is configured.
type Nop struct{}

func (Nop) Publish(_ context.Context, event Event) error {
	return event.Validate()
}

func (Nop) Close() error {
	return nil
}
