package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/repository"
)

// Records applies status transitions to stored notifications. Every transition is a
// compare-and-swap on the current status, so racing callers cannot both win.
type Records struct {
	notifications repository.NotificationRepository
	now           func() time.Time
}

func NewRecords(notifications repository.NotificationRepository) (*Records, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	return &Records{notifications: notifications, now: time.Now}, nil
}

// TransitionTo moves the record to status if its current status is a valid source.
// retry widens the sources for a broker retry claim. It returns an error wrapping
// domain.ErrStaleStatus when the precondition does not hold.
func (r *Records) TransitionTo(
	ctx context.Context,
	id string,
	status domain.Status,
	update domain.NotificationUpdate,
	retry bool,
) error {
	expected := domain.TransitionSources(status, retry)
	if len(expected) == 0 {
		return fmt.Errorf("%w: unsupported target status %q", domain.ErrValidation, status)
	}

	updated, err := r.notifications.ConditionalUpdate(ctx, id, expected, status, update)
	if err != nil {
		return fmt.Errorf("failed to move notification %s to %s: %w", id, status, err)
	}
	if !updated {
		return fmt.Errorf("%w: notification %s cannot move to %s", domain.ErrStaleStatus, id, status)
	}
	return nil
}

// Claim marks the record PROCESSING and counts the attempt.
func (r *Records) Claim(ctx context.Context, id string, retry bool) error {
	return r.TransitionTo(ctx, id, domain.StatusProcessing, domain.NotificationUpdate{
		IncrementAttempt:  true,
		ClearErrorMessage: true,
	}, retry)
}

// MarkSent records a successful delivery. It is a no-op on a terminal record.
func (r *Records) MarkSent(ctx context.Context, id string) error {
	return r.MarkSentAt(ctx, id, r.now())
}

// MarkSentAt is MarkSent with the delivery time taken from an earlier send.
func (r *Records) MarkSentAt(ctx context.Context, id string, sentAt time.Time) error {
	sentAt = sentAt.UTC()
	err := r.TransitionTo(ctx, id, domain.StatusSent, domain.NotificationUpdate{
		SentAt:            &sentAt,
		ClearErrorMessage: true,
	}, false)
	if errors.Is(err, domain.ErrStaleStatus) {
		return nil
	}
	return err
}

// MarkFailed records a failed delivery with its error text. It is a no-op on a
// terminal record, so a SENT record is never downgraded.
func (r *Records) MarkFailed(ctx context.Context, id string, message string) error {
	message = truncate(strings.TrimSpace(message), maxErrorMessageLen)
	err := r.TransitionTo(ctx, id, domain.StatusFailed, domain.NotificationUpdate{
		ErrorMessage: &message,
	}, false)
	if errors.Is(err, domain.ErrStaleStatus) {
		return nil
	}
	return err
}

// Reschedule re-arms a PENDING or FAILED record for dueAt and clears its error.
func (r *Records) Reschedule(ctx context.Context, id string, dueAt time.Time) error {
	due := dueAt.UTC()
	return r.TransitionTo(ctx, id, domain.StatusPending, domain.NotificationUpdate{
		DueAt:             &due,
		ClearErrorMessage: true,
	}, false)
}

const maxErrorMessageLen = 2000

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
