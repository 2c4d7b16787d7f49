package db

import (
	"fmt"

	"github.com/voxpool/chorus/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Assistant{},
		&models.GroupPrefs{},
		&models.AuthorizedUser{},
		&models.ForceSubTarget{},
		&models.BannedUser{},
		&models.Notice{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
