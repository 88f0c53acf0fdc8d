package models

import (
	"time"

	"gorm.io/gorm"
)

// FieldRule constrains one self-registration field.
type FieldRule struct {
	Pattern   string `json:"pattern,omitempty"`
	MinLength int    `json:"minLength,omitempty"`
}

// RegistrationConfig is the self-registration policy of one product.
type RegistrationConfig struct {
	ID                      string               `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt               time.Time            `json:"created_at"`
	UpdatedAt               time.Time            `json:"updated_at"`
	Product                 string               `gorm:"uniqueIndex;not null" json:"product"`
	RequiredFields          []string             `gorm:"serializer:json" json:"required_fields"`
	ValidationRules         map[string]FieldRule `gorm:"serializer:json" json:"validation_rules"`
	DefaultRealmRole        string               `gorm:"default:'end_user'" json:"default_realm_role"`
	DefaultClientRoles      []string             `gorm:"serializer:json" json:"default_client_roles"`
	SelfRegistrationEnabled bool                 `gorm:"not null" json:"self_registration_enabled"`
}

func (r *RegistrationConfig) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = newID()
	}
	return nil
}
