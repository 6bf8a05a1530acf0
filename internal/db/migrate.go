package db

import (
	"fmt"

	"github.com/zulandar/botyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the GORM models of the embedded dialog store.
func AllModels() []interface{} {
	return []interface{}{
		&models.Dialog{},
		&models.DialogMessage{},
		&models.Handoff{},
	}
}

// AutoMigrate creates or updates all store tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
