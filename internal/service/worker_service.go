package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/due-notifier/internal/delivery"
	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/enrichment"
	"github.com/kursadbilgin/due-notifier/internal/events"
	"github.com/kursadbilgin/due-notifier/internal/observability"
	"github.com/kursadbilgin/due-notifier/internal/provider"
	"github.com/kursadbilgin/due-notifier/internal/queue"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSequenceDelay = 250 * time.Millisecond
	eventPublishTimeout  = 5 * time.Second
	// settleTimeout bounds the bookkeeping after a send. It runs detached from the
	// job context, which may already be done when a send ran long.
	settleTimeout   = 10 * time.Second
	markSentTries   = 3
	markSentBackoff = 200 * time.Millisecond
)

// Gateway is the delivery surface the worker needs.
type Gateway interface {
	Send(ctx context.Context, target string, msg provider.OutboundMessage) (*provider.ProviderResponse, error)
	SendSequence(ctx context.Context, target string, parts []string, interDelay time.Duration) (*delivery.SequenceResult, error)
}

// HandlerRegistry accepts job handlers, typically a queue.Broker.
type HandlerRegistry interface {
	Handle(topic string, handler queue.Handler) error
}

// WorkerConfig holds optional worker collaborators and pacing.
type WorkerConfig struct {
	Enrichment    enrichment.Lookup
	Events        events.Publisher
	SequenceDelay time.Duration
}

// WorkerService turns due notification jobs into delivered messages.
type WorkerService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	records       *Records
	gateway       Gateway
	enrichment    enrichment.Lookup
	events        events.Publisher
	sequenceDelay time.Duration
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

func NewWorkerService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	gateway Gateway,
	cfg WorkerConfig,
	logger *zap.Logger,
) (*WorkerService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	records, err := NewRecords(notifications)
	if err != nil {
		return nil, err
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.SequenceDelay < 0 {
		cfg.SequenceDelay = 0
	} else if cfg.SequenceDelay == 0 {
		cfg.SequenceDelay = defaultSequenceDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		notifications: notifications,
		attempts:      attempts,
		records:       records,
		gateway:       gateway,
		enrichment:    cfg.Enrichment,
		events:        cfg.Events,
		sequenceDelay: cfg.SequenceDelay,
		logger:        logger,
		now:           time.Now,
		sleep:         sleepContext,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Register binds the worker to the notification topic.
func (s *WorkerService) Register(registry HandlerRegistry) error {
	return registry.Handle(queue.TopicNotification, s.HandleJob)
}

// HandleJob runs one delivery job. Only delivery failures are returned, so the
// broker retries exactly those; benign skips return nil.
func (s *WorkerService) HandleJob(ctx context.Context, job queue.Job) error {
	ctx = observability.WithJobKey(ctx, job.Key)
	id := job.PayloadRef
	logger := observability.WithContextLogger(s.logger, ctx).With(
		zap.String("notificationId", id),
		zap.Bool("retry", job.IsRetry()),
	)

	notification, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("notification not found, skipping job")
			return nil
		}
		return fmt.Errorf("failed to load notification %s: %w", id, err)
	}

	switch {
	case notification.Status == domain.StatusSent:
		logger.Info("notification already sent, skipping")
		return nil
	case notification.Status == domain.StatusFailed && !job.IsRetry():
		logger.Info("notification already failed, skipping")
		return nil
	}

	if err := s.records.Claim(ctx, id, job.IsRetry()); err != nil {
		if errors.Is(err, domain.ErrStaleStatus) {
			logger.Info("notification claimed elsewhere, skipping", zap.String("status", notification.Status.String()))
			return nil
		}
		return err
	}

	current, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload notification %s: %w", id, err)
	}
	if current.Status != domain.StatusProcessing {
		logger.Warn("notification left processing before send, aborting",
			zap.String("status", current.Status.String()),
		)
		return nil
	}

	kind := current.Kind.String()
	s.metrics.IncWorkerInFlight(kind)
	defer s.metrics.DecWorkerInFlight(kind)

	composition := delivery.Compose(*current, s.lookupAttachments(ctx, logger, current))

	sendStart := s.now()
	messageID, sendErr := s.deliver(ctx, logger, current.ChatID, composition)
	s.metrics.ObserveNotificationSendDuration(kind, s.now().Sub(sendStart))

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if sendErr != nil {
		return s.fail(settleCtx, logger, current, sendErr)
	}

	// The attempt goes first so a record left in PROCESSING can be settled from it.
	s.recordAttempt(settleCtx, logger, current, messageID, nil)
	s.markSent(settleCtx, logger, id)
	s.metrics.IncNotificationSent(kind)
	s.publish(ctx, logger, events.TypeSent, current, "")

	logger.Info("notification sent",
		zap.String("kind", kind),
		zap.Int("attempt", current.AttemptCount),
	)
	return nil
}

// markSent retries the SENT transition. The message is out, so the job itself is
// never failed over this: a broker retry could only duplicate the send.
func (s *WorkerService) markSent(ctx context.Context, logger *zap.Logger, id string) {
	var err error
	for try := 1; try <= markSentTries; try++ {
		if err = s.records.MarkSent(ctx, id); err == nil {
			return
		}
		if try == markSentTries {
			break
		}
		logger.Warn("failed to mark notification as sent, retrying", zap.Int("try", try), zap.Error(err))
		if sleepErr := s.sleep(ctx, markSentBackoff*time.Duration(try)); sleepErr != nil {
			break
		}
	}
	logger.Error("notification delivered but not marked as sent", zap.Error(err))
}

// OnJobDead reports a job that exhausted its retries.
func (s *WorkerService) OnJobDead(ctx context.Context, job queue.DeadJob) {
	logger := s.logger.With(
		zap.String("jobKey", job.Key),
		zap.String("notificationId", job.PayloadRef),
		zap.Int("attempts", job.Attempt),
	)
	logger.Error("notification delivery exhausted retries", zap.String("lastError", job.LastError))

	notification, err := s.notifications.GetByID(ctx, job.PayloadRef)
	if err != nil {
		logger.Warn("failed to load dead notification for event", zap.Error(err))
		notification = &domain.Notification{ID: job.PayloadRef, AttemptCount: job.Attempt}
	}
	s.publish(ctx, logger, events.TypeDead, notification, job.LastError)
}

func (s *WorkerService) lookupAttachments(
	ctx context.Context,
	logger *zap.Logger,
	n *domain.Notification,
) []domain.Attachment {
	if s.enrichment == nil || !n.Kind.NeedsEnrichment() {
		return nil
	}

	attachments, err := s.enrichment.Lookup(ctx, n.ReferenceNumber)
	if err != nil {
		logger.Warn("enrichment failed, sending without attachments",
			zap.String("referenceNumber", n.ReferenceNumber),
			zap.Error(err),
		)
		return nil
	}
	return attachments
}

// deliver sends the composition and returns the id of the first delivered message.
func (s *WorkerService) deliver(
	ctx context.Context,
	logger *zap.Logger,
	chatID string,
	c delivery.Composition,
) (string, error) {
	var messageID string
	if c.Sequenced {
		result, err := s.gateway.SendSequence(ctx, chatID, c.Parts, s.sequenceDelay)
		if err != nil {
			return "", err
		}
		messageID = firstNonEmpty(result.MessageIDs)
	} else {
		resp, err := s.gateway.Send(ctx, chatID, provider.OutboundMessage{Text: c.Text()})
		if err != nil {
			return "", err
		}
		if resp != nil {
			messageID = resp.MessageID
		}
	}

	// The text is already delivered, so a failed attachment is logged, not retried.
	for _, document := range c.Documents {
		_, err := s.gateway.Send(ctx, chatID, provider.OutboundMessage{
			DocumentRef: document.FileRef,
			Text:        document.FileName,
		})
		if err != nil {
			logger.Warn("failed to send attachment",
				zap.String("fileName", document.FileName),
				zap.Error(err),
			)
		}
	}

	return messageID, nil
}

func (s *WorkerService) fail(
	ctx context.Context,
	logger *zap.Logger,
	n *domain.Notification,
	sendErr error,
) error {
	reason := failureReason(sendErr)
	message := sendErr.Error()

	if err := s.records.MarkFailed(ctx, n.ID, message); err != nil {
		logger.Error("failed to mark notification as failed", zap.Error(err))
	}
	s.recordAttempt(ctx, logger, n, "", sendErr)
	s.metrics.IncNotificationFailed(n.Kind.String(), reason)
	s.publish(ctx, logger, events.TypeFailed, n, message)

	logger.Warn("notification delivery failed",
		zap.String("reason", reason),
		zap.Int("attempt", n.AttemptCount),
		zap.Error(sendErr),
	)
	return fmt.Errorf("deliver notification %s: %w", n.ID, sendErr)
}

func (s *WorkerService) recordAttempt(
	ctx context.Context,
	logger *zap.Logger,
	n *domain.Notification,
	messageID string,
	sendErr error,
) {
	attempt := &domain.NotificationAttempt{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		AttemptNumber:  n.AttemptCount,
		CreatedAt:      s.now().UTC(),
	}
	if strings.TrimSpace(messageID) != "" {
		attempt.MessageID = &messageID
	}
	if sendErr != nil {
		value := sendErr.Error()
		attempt.Error = &value
	}

	if err := s.attempts.Create(ctx, attempt); err != nil {
		logger.Error("failed to record delivery attempt", zap.Error(err))
	}
}

// publish emits a lifecycle event. Failures never change the delivery outcome.
func (s *WorkerService) publish(
	ctx context.Context,
	logger *zap.Logger,
	eventType events.Type,
	n *domain.Notification,
	errText string,
) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	event := events.Event{
		Type:           eventType,
		NotificationID: n.ID,
		Kind:           n.Kind.String(),
		ChatID:         n.ChatID,
		Attempt:        n.AttemptCount,
		Error:          errText,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish lifecycle event",
			zap.String("eventType", string(eventType)),
			zap.Error(err),
		)
	}
}

func failureReason(err error) string {
	if errors.Is(err, domain.ErrTimeout) {
		return "timeout"
	}
	return provider.Classify(err)
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
