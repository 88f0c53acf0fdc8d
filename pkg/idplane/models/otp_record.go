package models

import (
	"time"

	"gorm.io/gorm"
)

// OTPPurpose scopes a one-time code to a single flow
type OTPPurpose string

const (
	OTPPasswordReset OTPPurpose = "password_reset"
)

// OTPRecord stores a hashed one-time code.
type OTPRecord struct {
	ID             string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	UserIdentifier string     `gorm:"index:idx_otp_lookup;not null" json:"user_identifier"`
	Purpose        OTPPurpose `gorm:"index:idx_otp_lookup;type:varchar(30);not null" json:"purpose"`
	CodeHash       string     `gorm:"not null" json:"-"`
	ExpiresAt      time.Time  `gorm:"not null" json:"expires_at"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	MaxAttempts    int        `gorm:"default:5" json:"max_attempts"`
}

func (o *OTPRecord) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = newID()
	}
	return nil
}
