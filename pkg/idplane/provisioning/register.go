package provisioning

import (
	"context"
	"errors"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"gorm.io/gorm"
)

const workflowRegister = "self_registration"

// RegisterInput is a validated self-registration.
type RegisterInput struct {
	Product     string
	TenantAlias string
	Email       string
	FirstName   string
	LastName    string
	Password    string
	Attributes  map[string][]string
	RealmRole   string
	ClientRoles []string
}

// FindTenantByAlias returns the tenant whose organization alias is alias.
func (o *Orchestrator) FindTenantByAlias(ctx context.Context, alias string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := o.db.WithContext(ctx).First(&tenant, "alias = ?", alias).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Tenant", alias)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &tenant, nil
}

// Register creates a self-registered user with the product's default roles,
// joining the tenant when one is named. Returns the new user id.
func (o *Orchestrator) Register(ctx context.Context, in RegisterInput, ip string) (string, error) {
	existing, err := o.idp.GetUserByEmail(ctx, in.Email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", apperr.Conflict("A user with this email already exists")
	}

	var tenant *models.Tenant
	if in.TenantAlias != "" {
		if tenant, err = o.FindTenantByAlias(ctx, in.TenantAlias); err != nil {
			return "", err
		}
		if !tenant.IsActive() {
			return "", apperr.Validation("Tenant is %s", tenant.Status)
		}
		if tenant.OrgID != "" {
			if err := o.checkCapacity(ctx, tenant); err != nil {
				return "", err
			}
		}
	}

	rollback := newCompensations(o, workflowRegister)
	userID, err := step(ctx, o, workflowRegister, "create_user", func(ctx context.Context) (string, error) {
		return o.idp.CreateUser(ctx, identity.User{
			Username:    in.Email,
			Email:       in.Email,
			FirstName:   in.FirstName,
			LastName:    in.LastName,
			Enabled:     true,
			Attributes:  in.Attributes,
			Credentials: []identity.Credential{{Type: "password", Value: in.Password}},
		})
	})
	if err != nil {
		return "", err
	}
	rollback.push("delete_user", func(ctx context.Context) error {
		return o.idp.DeleteUser(ctx, userID)
	})

	if in.RealmRole != "" {
		err = do(ctx, o, workflowRegister, "assign_realm_role", func(ctx context.Context) error {
			return o.idp.AssignRealmRoles(ctx, userID, []string{in.RealmRole})
		})
	}
	if err == nil && len(in.ClientRoles) > 0 {
		var clientUUID string
		if clientUUID, err = o.productClientUUID(ctx, in.Product); err == nil {
			err = do(ctx, o, workflowRegister, "assign_client_roles", func(ctx context.Context) error {
				return o.idp.AssignClientRoles(ctx, userID, clientUUID, in.ClientRoles)
			})
		}
	}
	if err == nil && tenant != nil && tenant.OrgID != "" {
		err = do(ctx, o, workflowRegister, "add_member", func(ctx context.Context) error {
			return o.idp.AddMember(ctx, tenant.OrgID, userID)
		})
	}
	if err != nil {
		rollback.run(ctx, err)
		return "", err
	}

	entry := audit.Entry{
		ActorID:      userID,
		Action:       "user.registered",
		ResourceType: "user",
		ResourceID:   userID,
		Metadata:     map[string]any{"product": in.Product, "email": in.Email},
		IPAddress:    ip,
	}
	if tenant != nil {
		entry.TenantID = tenant.ID
	}
	o.audit.Append(ctx, entry)
	return userID, nil
}
