package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/queue"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"go.uber.org/zap"
)

const defaultDeadListLimit = 100

// JobAdmin is the operator surface of the job broker.
type JobAdmin interface {
	queue.Scheduler
	Inspect(ctx context.Context, key string) (*queue.JobStatus, error)
	ListDead(ctx context.Context, limit int) ([]queue.DeadJob, error)
	RequeueDead(ctx context.Context, key string) error
}

// NotificationService creates and schedules notifications and exposes the
// operator actions around them.
type NotificationService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	records       *Records
	jobs          JobAdmin
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	jobs JobAdmin,
	logger *zap.Logger,
) (*NotificationService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job broker is required")
	}
	records, err := NewRecords(notifications)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		attempts:      attempts,
		records:       records,
		jobs:          jobs,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Create persists a PENDING notification and schedules its delivery job. Invalid
// input is rejected before anything is stored or enqueued.
func (s *NotificationService) Create(ctx context.Context, notification *domain.Notification) (*domain.Notification, error) {
	if err := s.prepareForCreate(notification); err != nil {
		return nil, err
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	if err := s.schedule(ctx, notification); err != nil {
		s.logger.Error("failed to schedule notification",
			zap.String("notificationId", notification.ID),
			zap.Error(err),
		)
		// A record without a job would never be delivered; fail it visibly instead.
		if markErr := s.records.MarkFailed(ctx, notification.ID, "scheduling failed: "+err.Error()); markErr != nil {
			return nil, fmt.Errorf("failed to schedule notification: %w (failed to mark as failed: %v)", err, markErr)
		}
		return nil, fmt.Errorf("failed to schedule notification: %w", err)
	}

	s.logger.Info("notification scheduled",
		zap.String("notificationId", notification.ID),
		zap.String("kind", notification.Kind.String()),
		zap.Time("dueAt", notification.DueAt),
	)
	return notification, nil
}

// Reschedule moves a PENDING or FAILED notification to a new due time. The pending
// job for the record is replaced, never duplicated.
func (s *NotificationService) Reschedule(ctx context.Context, id string, dueAt time.Time) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	if dueAt.IsZero() {
		return nil, fmt.Errorf("%w: dueAt is required", domain.ErrValidation)
	}

	current, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.StatusSent {
		return nil, fmt.Errorf("%w: notification %s was already sent", domain.ErrConflict, id)
	}

	if err := s.records.Reschedule(ctx, id, dueAt); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			return nil, fmt.Errorf("%w: notification %s is being delivered", domain.ErrConflict, id)
		}
		return nil, err
	}

	updated, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.schedule(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to reschedule notification: %w", err)
	}

	s.logger.Info("notification rescheduled",
		zap.String("notificationId", id),
		zap.Time("dueAt", updated.DueAt),
	)
	return updated, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: notification id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, strings.TrimSpace(id))
}

func (s *NotificationService) List(
	ctx context.Context,
	params repository.ListParams,
) ([]domain.Notification, int64, error) {
	return s.notifications.List(ctx, params)
}

// Attempts returns the delivery audit trail of a notification.
func (s *NotificationService) Attempts(ctx context.Context, id string) ([]domain.NotificationAttempt, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(id))
}

// Job returns the broker view of a job.
func (s *NotificationService) Job(ctx context.Context, key string) (*queue.JobStatus, error) {
	status, err := s.jobs.Inspect(ctx, strings.TrimSpace(key))
	if errors.Is(err, queue.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: job %q", domain.ErrNotFound, key)
	}
	return status, err
}

func (s *NotificationService) DeadJobs(ctx context.Context, limit int) ([]queue.DeadJob, error) {
	if limit <= 0 {
		limit = defaultDeadListLimit
	}
	return s.jobs.ListDead(ctx, limit)
}

// RequeueDeadJob runs a dead job again. The run counts as a retry, so it may take
// over a FAILED record.
func (s *NotificationService) RequeueDeadJob(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: job key is required", domain.ErrValidation)
	}

	err := s.jobs.RequeueDead(ctx, key)
	if errors.Is(err, queue.ErrJobNotFound) {
		return fmt.Errorf("%w: dead job %q", domain.ErrNotFound, key)
	}
	if err != nil {
		return err
	}

	s.logger.Info("dead job requeued", zap.String("jobKey", key))
	return nil
}

func (s *NotificationService) schedule(ctx context.Context, n *domain.Notification) error {
	return s.jobs.Schedule(ctx, queue.TopicNotification, n.ID, n.DueAt, n.ID)
}

func (s *NotificationService) prepareForCreate(n *domain.Notification) error {
	if n == nil {
		return fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	n.ChatID = strings.TrimSpace(n.ChatID)
	n.ReferenceNumber = strings.TrimSpace(n.ReferenceNumber)
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	n.CustomerName = strings.TrimSpace(n.CustomerName)
	n.Phone = strings.TrimSpace(n.Phone)
	n.Note = strings.TrimSpace(n.Note)

	if err := n.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	n.ID = uuid.NewString()
	n.Status = domain.StatusPending
	n.AttemptCount = 0
	n.ErrorMessage = nil
	n.SentAt = nil
	if n.DueAt.IsZero() {
		n.DueAt = now
	}
	n.DueAt = n.DueAt.UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	return nil
}
