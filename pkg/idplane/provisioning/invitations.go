package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"gorm.io/gorm"
)

// DefaultInvitationTTL is how long an invitation stays valid.
const DefaultInvitationTTL = 72 * time.Hour

// CreatedInvitation carries the one-time token, which is never stored in
// responses after creation.
type CreatedInvitation struct {
	models.Invitation
	Token string `json:"token"`
}

// AcceptInput is what the invitee supplies to join the tenant.
type AcceptInput struct {
	Token     string
	FirstName string
	LastName  string
	Phone     string
	Password  string
}

func newInvitationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// InvitationInput describes who is invited and what they are granted.
type InvitationInput struct {
	Email string
	// Role is one of auth.InvitationRoles.
	Role         string
	ProductRoles []string
	// TTL defaults to DefaultInvitationTTL.
	TTL time.Duration
}

// CreateInvitation invites in.Email to the tenant with a realm role and
// optional roles on the tenant's product.
func (o *Orchestrator) CreateInvitation(ctx context.Context, tenantID string, in InvitationInput, actor Actor) (*CreatedInvitation, error) {
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, apperr.Validation("Email is not a valid address")
	}
	if !slices.Contains(auth.InvitationRoles, in.Role) {
		return nil, apperr.Validation("Role must be one of: %s", strings.Join(auth.InvitationRoles, ", "))
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}
	tenant, err := o.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, apperr.Validation("Tenant is %s", tenant.Status)
	}
	if len(in.ProductRoles) > 0 {
		clientUUID, err := o.productClientUUID(ctx, tenant.Product)
		if err != nil {
			return nil, err
		}
		if err := o.checkAssignable(ctx, clientUUID, in.ProductRoles); err != nil {
			return nil, err
		}
	}

	token, err := newInvitationToken()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	inv := models.Invitation{
		TenantID:     tenant.ID,
		Email:        in.Email,
		Role:         in.Role,
		ProductRoles: in.ProductRoles,
		Token:        token,
		Status:       models.InvitationPending,
		ExpiresAt:    time.Now().Add(ttl),
		InvitedBy:    actor.ID,
	}
	if err := o.db.WithContext(ctx).Create(&inv).Error; err != nil {
		return nil, apperr.Internal(err)
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "invitation.created",
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		TenantID:     tenant.ID,
		Metadata:     map[string]any{"email": in.Email, "role": in.Role, "productRoles": in.ProductRoles},
		IPAddress:    actor.IP,
	})
	return &CreatedInvitation{Invitation: inv, Token: token}, nil
}

// ListInvitations returns the tenant's invitations, newest first.
func (o *Orchestrator) ListInvitations(ctx context.Context, tenantID string) ([]models.Invitation, error) {
	if _, err := o.FindTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	invitations := []models.Invitation{}
	if err := o.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&invitations).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return invitations, nil
}

// GetInvitation returns a pending invitation by token. An invitation found
// past its expiry is marked expired.
func (o *Orchestrator) GetInvitation(ctx context.Context, token string) (*models.Invitation, error) {
	var inv models.Invitation
	err := o.db.WithContext(ctx).Preload("Tenant").First(&inv, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Invitation", "")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	switch {
	case inv.Status == models.InvitationAccepting:
		return nil, apperr.Conflict("Invitation is already being accepted")
	case inv.Status != models.InvitationPending:
		return nil, apperr.Expired("")
	case inv.IsExpired(time.Now()):
		o.expire(ctx, &inv)
		return nil, apperr.Expired("")
	}
	return &inv, nil
}

// expire moves a pending invitation to expired. Only the first caller wins.
func (o *Orchestrator) expire(ctx context.Context, inv *models.Invitation) {
	res := o.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ? AND status = ?", inv.ID, models.InvitationPending).
		Update("status", models.InvitationExpired)
	if res.Error != nil {
		o.log.Warnw("Could not mark invitation expired", "invitation_id", inv.ID, "error", res.Error)
		return
	}
	if res.RowsAffected == 0 {
		return
	}
	o.audit.Append(ctx, audit.Entry{
		ActorID:      systemActor.ID,
		ActorType:    systemActor.Type,
		Action:       "invitation.expired",
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		TenantID:     inv.TenantID,
	})
}

// transition moves the invitation from one status to another and reports
// whether this caller made the change.
func (o *Orchestrator) transition(ctx context.Context, id string, from models.InvitationStatus, updates map[string]any) (bool, error) {
	res := o.db.WithContext(ctx).Model(&models.Invitation{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

// AcceptInvitation creates the invitee inside the tenant with the invited
// roles. The invitation is held as accepting while the account is created,
// then becomes accepted. If the account cannot be created it returns to
// pending; an accepted invitation never changes again.
func (o *Orchestrator) AcceptInvitation(ctx context.Context, in AcceptInput, ip string) (*Member, error) {
	inv, err := o.GetInvitation(ctx, in.Token)
	if err != nil {
		return nil, err
	}

	claimed, err := o.transition(ctx, inv.ID, models.InvitationPending, map[string]any{"status": models.InvitationAccepting})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !claimed {
		return nil, apperr.Conflict("Invitation is already being accepted")
	}

	member, err := o.AddTenantMember(ctx, inv.TenantID, MemberInput{
		Email:        inv.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Password:     in.Password,
		RealmRole:    inv.Role,
		ProductRoles: inv.ProductRoles,
	}, Actor{ID: "invitation:" + inv.ID, IP: ip, Type: models.ActorService})
	if err != nil {
		if _, rerr := o.transition(context.WithoutCancel(ctx), inv.ID, models.InvitationAccepting,
			map[string]any{"status": models.InvitationPending}); rerr != nil {
			o.log.Errorw("Could not release invitation", "invitation_id", inv.ID, "error", rerr)
		}
		return nil, err
	}

	done, err := o.transition(context.WithoutCancel(ctx), inv.ID, models.InvitationAccepting,
		map[string]any{"status": models.InvitationAccepted, "accepted_at": time.Now()})
	if err != nil || !done {
		o.log.Errorw("Could not mark invitation accepted", "invitation_id", inv.ID, "user_id", member.ID, "error", err)
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      member.ID,
		Action:       "invitation.accepted",
		ResourceType: "invitation",
		ResourceID:   inv.ID,
		TenantID:     inv.TenantID,
		Metadata:     map[string]any{"email": inv.Email, "role": inv.Role},
		IPAddress:    ip,
	})
	return member, nil
}
