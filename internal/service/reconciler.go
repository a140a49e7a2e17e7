package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/observability"
	"github.com/kursadbilgin/due-notifier/internal/queue"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval   = time.Minute
	defaultReconcileGrace      = 5 * time.Minute
	defaultReconcileStuckAfter = 15 * time.Minute
	defaultReconcileLimit      = 100

	abandonedMessage = "processing abandoned"
)

// JobInspector schedules jobs and reports whether one exists.
type JobInspector interface {
	queue.Scheduler
	Inspect(ctx context.Context, key string) (*queue.JobStatus, error)
}

// ReconcilerConfig tunes the repair loop.
type ReconcilerConfig struct {
	Interval time.Duration
	// Grace is how long past its due time a PENDING record may go without a job.
	Grace time.Duration
	// StuckAfter is how long a record may sit in PROCESSING.
	StuckAfter time.Duration
	Limit      int
}

// Reconciler periodically repairs records the broker lost track of. Overdue PENDING
// records without a job are scheduled again. PROCESSING records left behind by a
// worker are settled as SENT when the attempt log shows their last run delivered,
// and failed otherwise.
type Reconciler struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	records       *Records
	jobs          JobInspector
	cfg           ReconcilerConfig
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

func NewReconciler(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	jobs JobInspector,
	cfg ReconcilerConfig,
	logger *zap.Logger,
) (*Reconciler, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job broker is required")
	}
	records, err := NewRecords(notifications)
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReconcileInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultReconcileGrace
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultReconcileStuckAfter
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultReconcileLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		notifications: notifications,
		attempts:      attempts,
		records:       records,
		jobs:          jobs,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reconcile initial pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single repair pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	return errors.Join(r.rearmOverdue(ctx), r.failAbandoned(ctx))
}

func (r *Reconciler) rearmOverdue(ctx context.Context) error {
	overdue, err := r.notifications.ListOverdue(ctx, r.now().Add(-r.cfg.Grace), r.cfg.Limit)
	if err != nil {
		return fmt.Errorf("failed to fetch overdue notifications: %w", err)
	}

	for i := range overdue {
		n := overdue[i]
		logger := r.logger.With(zap.String("notificationId", n.ID))

		_, err := r.jobs.Inspect(ctx, n.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, queue.ErrJobNotFound) {
			logger.Error("failed to inspect job", zap.Error(err))
			continue
		}

		if err := r.jobs.Schedule(ctx, queue.TopicNotification, n.ID, r.now(), n.ID); err != nil {
			logger.Error("failed to re-arm overdue notification", zap.Error(err))
			continue
		}
		r.metrics.IncReconciled("rearmed")
		logger.Warn("re-armed overdue notification without a job", zap.Time("dueAt", n.DueAt))
	}

	return nil
}

func (r *Reconciler) failAbandoned(ctx context.Context) error {
	stuck, err := r.notifications.ListStuck(ctx, r.now().Add(-r.cfg.StuckAfter), r.cfg.Limit)
	if err != nil {
		return fmt.Errorf("failed to fetch stuck notifications: %w", err)
	}

	for i := range stuck {
		n := stuck[i]
		logger := r.logger.With(zap.String("notificationId", n.ID))

		delivered, err := r.deliveredAttempt(ctx, &n)
		if err != nil {
			logger.Error("failed to read attempts of stuck notification", zap.Error(err))
			continue
		}
		if delivered != nil {
			if err := r.records.MarkSentAt(ctx, n.ID, delivered.CreatedAt); err != nil {
				logger.Error("failed to settle delivered notification", zap.Error(err))
				continue
			}
			r.metrics.IncReconciled("recovered")
			logger.Warn("settled notification left in processing after delivery",
				zap.Int("attempt", delivered.AttemptNumber),
			)
			continue
		}

		if err := r.records.MarkFailed(ctx, n.ID, abandonedMessage); err != nil {
			logger.Error("failed to fail abandoned notification", zap.Error(err))
			continue
		}
		r.metrics.IncReconciled("abandoned")
		logger.Warn("failed notification abandoned in processing", zap.Time("updatedAt", n.UpdatedAt))
	}

	return nil
}

// deliveredAttempt returns the successful attempt of the record's current run, if any.
func (r *Reconciler) deliveredAttempt(ctx context.Context, n *domain.Notification) (*domain.NotificationAttempt, error) {
	attempts, err := r.attempts.GetByNotificationID(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.AttemptNumber == n.AttemptCount && a.Error == nil {
			return &a, nil
		}
	}
	return nil, nil
}
