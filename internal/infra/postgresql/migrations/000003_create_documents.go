package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"gorm.io/gorm"
)

func createDocumentsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_documents",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DocumentModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_documents_reference_number ON documents (reference_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DocumentModel{})
		},
	}
}
