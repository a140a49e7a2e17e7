package repository

import (
	"context"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"gorm.io/gorm"
)

type DocumentRepository interface {
	GetByReferenceNumber(ctx context.Context, referenceNumber string) ([]domain.Document, error)
}

type GormDocumentRepo struct {
	db *gorm.DB
}

func NewGormDocumentRepo(db *gorm.DB) *GormDocumentRepo {
	return &GormDocumentRepo{db: db}
}

func (r *GormDocumentRepo) GetByReferenceNumber(ctx context.Context, referenceNumber string) ([]domain.Document, error) {
	var models []DocumentModel
	err := r.db.WithContext(ctx).
		Where("reference_number = ?", referenceNumber).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	documents := make([]domain.Document, 0, len(models))
	for i := range models {
		documents = append(documents, *documentModelToDomain(&models[i]))
	}

	return documents, nil
}
