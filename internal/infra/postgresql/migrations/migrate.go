package migrations

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

var options = &gormigrate.Options{
	TableName:      "schema_migrations",
	IDColumnName:   "id",
	IDColumnSize:   255,
	UseTransaction: true,
}

// Migrate applies every pending schema migration in order.
func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, options, []*gormigrate.Migration{
		createNotificationsTable(),
		createNotificationAttemptsTable(),
		createDocumentsTable(),
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
