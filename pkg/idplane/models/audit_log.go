package models

import (
	"time"

	"gorm.io/gorm"
)

// ActorType identifies who performed an audited action
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorSystem  ActorType = "system"
	ActorService ActorType = "service"
)

// AuditLog is an append-only record of a mutating operation.
type AuditLog struct {
	ID           string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt    time.Time      `gorm:"index" json:"created_at"`
	ActorID      string         `gorm:"index;not null" json:"actor_id"`
	ActorType    ActorType      `gorm:"type:varchar(20);not null" json:"actor_type"`
	Action       string         `gorm:"index;not null" json:"action"`
	ResourceType string         `gorm:"not null" json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	TenantID     string         `gorm:"index" json:"tenant_id,omitempty"`
	Metadata     map[string]any `gorm:"serializer:json" json:"metadata,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = newID()
	}
	return nil
}
