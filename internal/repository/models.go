package repository

import (
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID              string        `gorm:"type:uuid;primaryKey"`
	ChatID          string        `gorm:"type:varchar(64);not null"`
	Kind            domain.Kind   `gorm:"type:varchar(20);not null"`
	ReferenceNumber string        `gorm:"type:varchar(255);not null;default:''"`
	Title           string        `gorm:"type:varchar(255);not null;default:''"`
	Description     string        `gorm:"type:text;not null;default:''"`
	CustomerName    string        `gorm:"type:varchar(255);not null;default:''"`
	Phone           string        `gorm:"type:varchar(255);not null;default:''"`
	Note            string        `gorm:"type:text;not null;default:''"`
	DueAt           time.Time     `gorm:"type:timestamptz;not null"`
	Status          domain.Status `gorm:"type:varchar(20);not null"`
	ErrorMessage    *string       `gorm:"type:text"`
	SentAt          *time.Time    `gorm:"type:timestamptz"`
	AttemptCount    int           `gorm:"not null;default:0"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// NotificationAttemptModel is the persistence model for notification_attempts.
type NotificationAttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	NotificationID string  `gorm:"type:uuid;not null"`
	AttemptNumber  int     `gorm:"not null"`
	MessageID      *string `gorm:"type:varchar(64)"`
	Error          *string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (NotificationAttemptModel) TableName() string {
	return "notification_attempts"
}

// DocumentModel is the persistence model for documents.
type DocumentModel struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	ReferenceNumber string `gorm:"type:varchar(255);not null"`
	FileName        string `gorm:"type:varchar(255);not null"`
	FileRef         string `gorm:"type:text;not null"`
	CreatedAt       time.Time
}

func (DocumentModel) TableName() string {
	return "documents"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:              n.ID,
		ChatID:          n.ChatID,
		Kind:            n.Kind,
		ReferenceNumber: n.ReferenceNumber,
		Title:           n.Title,
		Description:     n.Description,
		CustomerName:    n.CustomerName,
		Phone:           n.Phone,
		Note:            n.Note,
		DueAt:           n.DueAt,
		Status:          n.Status,
		ErrorMessage:    n.ErrorMessage,
		SentAt:          n.SentAt,
		AttemptCount:    n.AttemptCount,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:              m.ID,
		ChatID:          m.ChatID,
		Kind:            m.Kind,
		ReferenceNumber: m.ReferenceNumber,
		Title:           m.Title,
		Description:     m.Description,
		CustomerName:    m.CustomerName,
		Phone:           m.Phone,
		Note:            m.Note,
		DueAt:           m.DueAt,
		Status:          m.Status,
		ErrorMessage:    m.ErrorMessage,
		SentAt:          m.SentAt,
		AttemptCount:    m.AttemptCount,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.NotificationAttempt) *NotificationAttemptModel {
	if a == nil {
		return nil
	}

	return &NotificationAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		MessageID:      a.MessageID,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *NotificationAttemptModel) *domain.NotificationAttempt {
	if m == nil {
		return nil
	}

	return &domain.NotificationAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		MessageID:      m.MessageID,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
	}
}

func documentModelToDomain(m *DocumentModel) *domain.Document {
	if m == nil {
		return nil
	}

	return &domain.Document{
		ID:              m.ID,
		ReferenceNumber: m.ReferenceNumber,
		FileName:        m.FileName,
		FileRef:         m.FileRef,
		CreatedAt:       m.CreatedAt,
	}
}
