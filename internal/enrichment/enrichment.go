package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/repository"
)

// Lookup resolves the attachments linked to a business reference number.
// Implementations are read-only and safe to call repeatedly.
type Lookup interface {
	Lookup(ctx context.Context, referenceNumber string) ([]domain.Attachment, error)
}

// DocumentLookup reads attachments from the documents table.
type DocumentLookup struct {
	documents repository.DocumentRepository
}

func NewDocumentLookup(documents repository.DocumentRepository) (*DocumentLookup, error) {
	if documents == nil {
		return nil, fmt.Errorf("document repository is required")
	}
	return &DocumentLookup{documents: documents}, nil
}

func (l *DocumentLookup) Lookup(ctx context.Context, referenceNumber string) ([]domain.Attachment, error) {
	referenceNumber = strings.TrimSpace(referenceNumber)
	if referenceNumber == "" {
		return nil, nil
	}

	documents, err := l.documents.GetByReferenceNumber(ctx, referenceNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: documents for %q: %w", domain.ErrEnrichment, referenceNumber, err)
	}

	attachments := make([]domain.Attachment, 0, len(documents))
	for _, document := range documents {
		if strings.TrimSpace(document.FileRef) == "" {
			continue
		}
		attachments = append(attachments, document.Attachment())
	}
	return attachments, nil
}
