package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AllModels returns all models for migration
// Note: Tenant must be migrated before Invitation, which references it
func AllModels() []interface{} {
	return []interface{}{
		&Product{},
		&Tenant{},
		&RegistrationConfig{},
		&Invitation{},
		&AuditLog{},
		&OTPRecord{},
	}
}

// AutoMigrate runs GORM auto-migration for all models
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

// newID generates primary keys for every model.
func newID() string {
	return uuid.NewString()
}
