package models

import (
	"time"

	"gorm.io/gorm"
)

// ProductStatus represents the lifecycle state of a product
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

// Product is a client application onboarded onto the identity platform.
// The slug names the identity-provider clients and the gateway route, so it
// never changes once the product is created.
type Product struct {
	ID          string        `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Name        string        `gorm:"not null" json:"name"`
	Slug        string        `gorm:"uniqueIndex;not null" json:"slug"`
	Description string        `json:"description,omitempty"`
	FrontendURL string        `json:"frontend_url,omitempty"`
	BackendHost string        `json:"backend_host,omitempty"`
	BackendPort int           `json:"backend_port,omitempty"`
	Status      ProductStatus `gorm:"type:varchar(20);default:'active'" json:"status"`

	// Identity provider references
	PublicClientID      string `json:"public_client_id,omitempty"`
	PublicClientUUID    string `json:"public_client_uuid,omitempty"`
	BackendClientID     string `json:"backend_client_id,omitempty"`
	BackendClientUUID   string `json:"backend_client_uuid,omitempty"`
	BackendClientSecret string `json:"-"`

	// Gateway route reference, empty when no route was provisioned
	RouteID string `json:"route_id,omitempty"`
}

func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = newID()
	}
	return nil
}

// HasBackend reports whether a gateway route can be built for the product.
func (p *Product) HasBackend() bool {
	return p.BackendHost != "" && p.BackendPort > 0
}
