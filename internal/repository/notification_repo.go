package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	Status   *domain.Status
	Kind     *domain.Kind
	Page     int
	PageSize int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error)
	// ListOverdue returns PENDING records due at or before dueBefore, oldest first.
	ListOverdue(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error)
	// ListStuck returns PROCESSING records untouched since updatedBefore.
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error)
	// ConditionalUpdate moves the record to status only if its current status is one of expected.
	// It reports whether a row was updated.
	ConditionalUpdate(
		ctx context.Context,
		id string,
		expected []domain.Status,
		status domain.Status,
		update domain.NotificationUpdate,
	) (bool, error)
}

type GormNotificationRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db, now: time.Now}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model := notificationModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if n != nil {
		*n = *notificationModelToDomain(model)
	}
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, int64, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Kind != nil {
		query = query.Where("kind = ?", *params.Kind)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []NotificationModel
	err := query.
		Order("due_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}

	return notifications, total, nil
}

func (r *GormNotificationRepo) ListOverdue(ctx context.Context, dueBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.findByStatus(ctx, domain.StatusPending, "due_at <= ?", dueBefore, "due_at ASC", limit)
}

func (r *GormNotificationRepo) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Notification, error) {
	return r.findByStatus(ctx, domain.StatusProcessing, "updated_at <= ?", updatedBefore, "updated_at ASC", limit)
}

func (r *GormNotificationRepo) findByStatus(
	ctx context.Context,
	status domain.Status,
	condition string,
	before time.Time,
	order string,
	limit int,
) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Where(condition, before.UTC()).
		Order(order).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications, nil
}

func (r *GormNotificationRepo) ConditionalUpdate(
	ctx context.Context,
	id string,
	expected []domain.Status,
	status domain.Status,
	update domain.NotificationUpdate,
) (bool, error) {
	if len(expected) == 0 {
		return false, nil
	}

	updates := map[string]any{
		"status":     status,
		"updated_at": r.now().UTC(),
	}
	if update.ErrorMessage != nil {
		updates["error_message"] = *update.ErrorMessage
	} else if update.ClearErrorMessage {
		updates["error_message"] = nil
	}
	if update.SentAt != nil {
		updates["sent_at"] = *update.SentAt
	}
	if update.DueAt != nil {
		updates["due_at"] = *update.DueAt
	}
	if update.IncrementAttempt {
		updates["attempt_count"] = gorm.Expr("attempt_count + 1")
	}

	// The status predicate makes this a compare-and-swap: concurrent callers racing on the
	// same precondition see exactly one affected row between them.
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}
