package models

import (
	"time"

	"gorm.io/gorm"
)

// TenantPlan is the commercial plan of a tenant
type TenantPlan string

const (
	TenantPlanBasic      TenantPlan = "basic"
	TenantPlanPro        TenantPlan = "pro"
	TenantPlanEnterprise TenantPlan = "enterprise"
)

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "active"
	TenantStatusInactive  TenantStatus = "inactive"
	TenantStatusSuspended TenantStatus = "suspended"
)

// DefaultMaxUsers is the member cap applied when none is requested.
const DefaultMaxUsers = 50

// Tenant is a customer organization of a product. The alias is the value
// carried in the organization claim of issued tokens.
type Tenant struct {
	ID           string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	OrgID        string       `gorm:"index" json:"org_id,omitempty"` // Identity provider organization id
	Name         string       `gorm:"not null" json:"name"`
	Alias        string       `gorm:"uniqueIndex;not null" json:"alias"`
	Product      string       `gorm:"not null;index" json:"product"` // Product slug
	Plan         TenantPlan   `gorm:"type:varchar(20);default:'basic'" json:"plan"`
	MaxUsers     int          `gorm:"default:50" json:"max_users"`
	Status       TenantStatus `gorm:"type:varchar(20);default:'active'" json:"status"`
	BillingEmail string       `json:"billing_email,omitempty"`
	Domain       string       `json:"domain,omitempty"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = newID()
	}
	return nil
}

// IsActive reports whether members of the tenant may access it.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}
