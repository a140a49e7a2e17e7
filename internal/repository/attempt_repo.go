package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"gorm.io/gorm"
)

// maxAttemptsListed caps the audit trail returned for one notification.
const maxAttemptsListed = 200

// AttemptRepository stores the per-run delivery audit trail.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.NotificationAttempt) error
	GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if a == nil || strings.TrimSpace(a.NotificationID) == "" {
		return fmt.Errorf("%w: attempt must reference a notification", domain.ErrValidation)
	}

	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to record attempt %d of %s: %w", a.AttemptNumber, a.NotificationID, err)
	}
	*a = *attemptModelToDomain(model)
	return nil
}

// GetByNotificationID returns attempts oldest first.
func (r *GormAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	var models []NotificationAttemptModel
	if err := r.db.WithContext(ctx).
		Where("notification_id = ?", notificationID).
		Order("attempt_number ASC").
		Order("created_at ASC").
		Limit(maxAttemptsListed).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to list attempts of %s: %w", notificationID, err)
	}

	attempts := make([]domain.NotificationAttempt, len(models))
	for i := range models {
		attempts[i] = *attemptModelToDomain(&models[i])
	}
	return attempts, nil
}
