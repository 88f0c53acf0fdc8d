package registration

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	// OTPTTL is how long a password-reset code is valid.
	OTPTTL = 5 * time.Minute
	// OTPMaxAttempts is how many wrong codes are tolerated.
	OTPMaxAttempts = 5
)

// Service implements the public account flows.
type Service struct {
	db         *gorm.DB
	orch       *provisioning.Orchestrator
	idp        identity.Client
	audit      *audit.Recorder
	notifier   Notifier
	strategies Strategies
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewService(db *gorm.DB, orch *provisioning.Orchestrator, idp identity.Client, rec *audit.Recorder, notifier Notifier, strategies Strategies, log *zap.SugaredLogger) *Service {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	return &Service{
		db:         db,
		orch:       orch,
		idp:        idp,
		audit:      rec,
		notifier:   notifier,
		strategies: strategies,
		log:        log,
		now:        time.Now,
	}
}

// Register self-registers a user for a product that allows it.
func (s *Service) Register(ctx context.Context, r Registration, ip string) (string, error) {
	var cfg models.RegistrationConfig
	err := s.db.WithContext(ctx).First(&cfg, "product = ?", r.Product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperr.NotFound("Registration config", r.Product)
	}
	if err != nil {
		return "", apperr.Internal(err)
	}
	if !cfg.SelfRegistrationEnabled {
		return "", apperr.Validation("Self-registration is not enabled for this product")
	}

	strategy := s.strategies.For(r.Product)
	if err := strategy.Validate(r, &cfg); err != nil {
		return "", err
	}

	first, last := provisioning.SplitName(r.FullName)
	return s.orch.Register(ctx, provisioning.RegisterInput{
		Product:     r.Product,
		TenantAlias: r.TenantAlias,
		Email:       r.Email,
		FirstName:   first,
		LastName:    last,
		Password:    r.Password,
		Attributes:  strategy.Attributes(r),
		RealmRole:   cfg.DefaultRealmRole,
		ClientRoles: cfg.DefaultClientRoles,
	}, ip)
}

// RecoveryResult tells the caller how the reset will be delivered.
type RecoveryResult struct {
	Method    string `json:"method"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

// ForgotPassword starts password recovery. Email identifiers get the
// provider's reset email; anything else is treated as a phone number and
// gets a one-time code.
func (s *Service) ForgotPassword(ctx context.Context, identifier string) (*RecoveryResult, error) {
	if strings.Contains(identifier, "@") {
		user, err := s.idp.GetUserByEmail(ctx, identifier)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, apperr.NotFound("User", identifier)
		}
		if err := s.idp.SendActionsEmail(ctx, user.ID, []string{"UPDATE_PASSWORD"}); err != nil {
			return nil, err
		}
		return &RecoveryResult{Method: "email"}, nil
	}

	code, err := newOTP()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	record := models.OTPRecord{
		UserIdentifier: identifier,
		Purpose:        models.OTPPasswordReset,
		CodeHash:       string(hash),
		ExpiresAt:      s.now().Add(OTPTTL),
		MaxAttempts:    OTPMaxAttempts,
	}
	// A new code replaces any outstanding one.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_identifier = ? AND purpose = ?", identifier, models.OTPPasswordReset).
			Delete(&models.OTPRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}

	if err := s.notifier.SendOTP(ctx, identifier, code, OTPTTL); err != nil {
		s.log.Errorw("Failed to deliver one-time code", "phone", identifier, "error", err)
		return nil, apperr.Unavailable("notifier", err)
	}
	return &RecoveryResult{Method: "otp", ExpiresIn: int(OTPTTL.Seconds())}, nil
}

// ResetPassword verifies a one-time code and sets the new password of the
// user holding the phone number.
func (s *Service) ResetPassword(ctx context.Context, phone, code, password, ip string) error {
	db := s.db.WithContext(ctx)
	var record models.OTPRecord
	err := db.Where("user_identifier = ? AND purpose = ?", phone, models.OTPPasswordReset).
		Order("created_at DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Validation("OTP expired or not found")
	}
	if err != nil {
		return apperr.Internal(err)
	}
	if !s.now().Before(record.ExpiresAt) {
		db.Delete(&record)
		return apperr.Validation("OTP expired or not found")
	}
	if record.Attempts >= record.MaxAttempts {
		db.Delete(&record)
		return apperr.Validation("Maximum OTP attempts exceeded")
	}

	if bcrypt.CompareHashAndPassword([]byte(record.CodeHash), []byte(code)) != nil {
		if err := db.Model(&record).UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return apperr.Internal(err)
		}
		return apperr.Validation("Invalid OTP")
	}

	users, err := s.idp.FindUsersByAttribute(ctx, phoneKey, phone)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return apperr.NotFound("User", phone)
	}
	if len(users) > 1 {
		s.log.Errorw("Phone number is shared by several users", "phone", phone, "matches", len(users))
		return apperr.Conflict("Phone number is registered to more than one user")
	}
	userID := users[0].ID
	if err := s.idp.ResetPassword(ctx, userID, password, false); err != nil {
		return err
	}
	if err := db.Delete(&record).Error; err != nil {
		s.log.Warnw("Could not delete used one-time code", "otp_id", record.ID, "error", err)
	}

	s.audit.Append(ctx, audit.Entry{
		ActorID:      userID,
		Action:       "user.password_reset",
		ResourceType: "user",
		ResourceID:   userID,
		IPAddress:    ip,
	})
	return nil
}

// newOTP returns a random six-digit code.
func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
