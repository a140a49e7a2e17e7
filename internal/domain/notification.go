package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends a delivery attempt.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// TransitionSources returns the statuses a record may hold when moving to target.
// A retry claim additionally allows FAILED -> PROCESSING.
func TransitionSources(target Status, retry bool) []Status {
	switch target {
	case StatusProcessing:
		if retry {
			return []Status{StatusPending, StatusFailed}
		}
		return []Status{StatusPending}
	case StatusSent, StatusFailed:
		return []Status{StatusPending, StatusProcessing}
	case StatusPending:
		return []Status{StatusPending, StatusFailed}
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status, retry bool) bool {
	for _, s := range TransitionSources(to, retry) {
		if s == from {
			return true
		}
	}
	return false
}

// Kind selects how a notification is composed.
type Kind string

const (
	KindContact     Kind = "CONTACT"
	KindTermination Kind = "TERMINATION"
	KindReminder    Kind = "REMINDER"
)

func (k Kind) String() string { return string(k) }

func (k Kind) IsValid() bool {
	switch k {
	case KindContact, KindTermination, KindReminder:
		return true
	}
	return false
}

// NeedsEnrichment reports whether composing this kind pulls attachments.
func (k Kind) NeedsEnrichment() bool {
	return k == KindTermination
}

func ParseKindFromString(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: invalid kind %q", ErrValidation, s)
	}
	return k, nil
}

const (
	MaxTextField = 255
	MaxNote      = 3000
)

// Notification is the durable record of a scheduled message. Its ID doubles as the queue job key.
type Notification struct {
	ID              string
	ChatID          string
	Kind            Kind
	ReferenceNumber string
	Title           string
	Description     string
	CustomerName    string
	Phone           string
	Note            string
	DueAt           time.Time
	Status          Status
	ErrorMessage    *string
	SentAt          *time.Time
	AttemptCount    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.ChatID) == "" {
		return fmt.Errorf("%w: chat id is required", ErrValidation)
	}
	if n.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrValidation)
	}
	if !n.Kind.IsValid() {
		return fmt.Errorf("%w: invalid kind %q", ErrValidation, n.Kind)
	}

	for name, value := range map[string]string{
		"reference number": n.ReferenceNumber,
		"title":            n.Title,
		"customer name":    n.CustomerName,
		"phone":            n.Phone,
	} {
		if l := len([]rune(value)); l > MaxTextField {
			return fmt.Errorf("%w: %s exceeds %d characters (got %d)", ErrValidation, name, MaxTextField, l)
		}
	}
	if l := len([]rune(n.Note)); l > MaxNote {
		return fmt.Errorf("%w: note exceeds %d characters (got %d)", ErrValidation, MaxNote, l)
	}

	return nil
}

// NotificationUpdate carries the fields written alongside a status transition.
type NotificationUpdate struct {
	ErrorMessage      *string
	ClearErrorMessage bool
	SentAt            *time.Time
	DueAt             *time.Time
	IncrementAttempt  bool
}
