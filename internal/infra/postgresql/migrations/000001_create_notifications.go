package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/due-notifier/internal/repository"
	"gorm.io/gorm"
)

func createNotificationsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notifications",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_notifications_status_kind_due ON notifications (status, kind, due_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_status_due ON notifications (status, due_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_status_updated ON notifications (status, updated_at)`,
				`CREATE INDEX IF NOT EXISTS idx_notifications_reference_number ON notifications (reference_number) WHERE reference_number <> ''`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationModel{})
		},
	}
}
