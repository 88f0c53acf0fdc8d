package models

import (
	"time"

	"gorm.io/gorm"
)

// InvitationStatus represents the state of an invitation. Accepting holds
// the invitation while the invitee's account is created and returns to
// pending only if that fails.
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepting InvitationStatus = "accepting"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationExpired   InvitationStatus = "expired"
	InvitationRevoked   InvitationStatus = "revoked"
)

// Invitation grants a single-use right to join a tenant with a realm role
// and optional product roles. Accepted, expired and revoked are final.
type Invitation struct {
	ID           string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt    time.Time        `json:"created_at"`
	TenantID     string           `gorm:"type:varchar(36);not null;index" json:"tenant_id"`
	Email        string           `gorm:"not null" json:"email"`
	Role         string           `gorm:"not null" json:"role"`
	ProductRoles []string         `gorm:"serializer:json" json:"product_roles"`
	Token        string           `gorm:"uniqueIndex;not null" json:"-"`
	Status       InvitationStatus `gorm:"type:varchar(20);default:'pending'" json:"status"`
	ExpiresAt    time.Time        `gorm:"not null" json:"expires_at"`
	AcceptedAt   *time.Time       `json:"accepted_at,omitempty"`
	InvitedBy    string           `gorm:"not null" json:"invited_by"`

	// Relationships
	Tenant Tenant `gorm:"foreignKey:TenantID" json:"tenant,omitempty"`
}

func (i *Invitation) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = newID()
	}
	return nil
}

// IsExpired reports whether the invitation is past its expiry at now.
func (i *Invitation) IsExpired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
