package provisioning

import (
	"context"
	"errors"
	"net/mail"
	"slices"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"gorm.io/gorm"
)

const workflowMember = "tenant_member"

// MemberInput describes a user to create inside a tenant.
type MemberInput struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	Password  string
	// TemporaryPassword forces a password change on first login.
	TemporaryPassword bool
	// RealmRole defaults to tenant_employee.
	RealmRole    string
	ProductRoles []string
}

// Member is a tenant member with its roles on the tenant's product.
type Member struct {
	identity.User
	ProductRoles []string `json:"product_roles"`
}

// productClientUUID resolves the public client of a product slug.
func (o *Orchestrator) productClientUUID(ctx context.Context, slug string) (string, error) {
	var product models.Product
	err := o.db.WithContext(ctx).Select("public_client_uuid").First(&product, "slug = ?", slug).Error
	if err == nil && product.PublicClientUUID != "" {
		return product.PublicClientUUID, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperr.Internal(err)
	}
	return o.idp.GetClientUUID(ctx, slug)
}

// AssignableRoles lists the product roles a tenant can grant its members.
func (o *Orchestrator) AssignableRoles(ctx context.Context, tenantID string) ([]identity.Role, error) {
	tenant, err := o.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	clientUUID, err := o.productClientUUID(ctx, tenant.Product)
	if err != nil {
		return nil, err
	}
	return o.idp.GetClientRoles(ctx, clientUUID)
}

func (o *Orchestrator) checkAssignable(ctx context.Context, clientUUID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	roles, err := o.idp.GetClientRoles(ctx, clientUUID)
	if err != nil {
		return err
	}
	available := identity.RoleNames(roles)
	for _, name := range names {
		if !slices.Contains(available, name) {
			return apperr.Validation("Role '%s' is not assignable for this product", name).WithDetails(map[string]any{
				"available": available,
			})
		}
	}
	return nil
}

// checkCapacity fails when the tenant already has MaxUsers members.
func (o *Orchestrator) checkCapacity(ctx context.Context, tenant *models.Tenant) error {
	count, err := o.idp.CountMembers(ctx, tenant.OrgID)
	if err != nil {
		return err
	}
	if count >= tenant.MaxUsers {
		return apperr.LimitExceeded(tenant.Name, tenant.MaxUsers).WithDetails(map[string]any{
			"max_users": tenant.MaxUsers,
			"current":   count,
		})
	}
	return nil
}

// AddTenantMember creates a user, adds it to the tenant's organization and
// grants its roles. A failure after the user was created deletes it again.
func (o *Orchestrator) AddTenantMember(ctx context.Context, tenantID string, in MemberInput, actor Actor) (*Member, error) {
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, apperr.Validation("Email is not a valid address")
	}
	if in.Password != "" && len(in.Password) < 8 {
		return nil, apperr.Validation("Password must be at least 8 characters")
	}
	if in.RealmRole == "" {
		in.RealmRole = auth.RoleTenantEmployee
	}
	if in.RealmRole == auth.RolePlatformAdmin {
		return nil, apperr.Forbidden("Platform administrators cannot be created inside a tenant")
	}

	tenant, err := o.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.IsActive() {
		return nil, apperr.Validation("Tenant is %s", tenant.Status)
	}
	if err := o.checkCapacity(ctx, tenant); err != nil {
		return nil, err
	}
	clientUUID, err := o.productClientUUID(ctx, tenant.Product)
	if err != nil {
		return nil, err
	}
	if err := o.checkAssignable(ctx, clientUUID, in.ProductRoles); err != nil {
		return nil, err
	}

	user := identity.User{
		Username:  in.Email,
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Enabled:   true,
	}
	if in.Phone != "" {
		user.Attributes = map[string][]string{"phone": {in.Phone}}
	}
	if in.Password != "" {
		user.Credentials = []identity.Credential{{Type: "password", Value: in.Password, Temporary: in.TemporaryPassword}}
	}

	rollback := newCompensations(o, workflowMember)
	userID, err := step(ctx, o, workflowMember, "create_user", func(ctx context.Context) (string, error) {
		return o.idp.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	rollback.push("delete_user", func(ctx context.Context) error {
		return o.idp.DeleteUser(ctx, userID)
	})

	err = do(ctx, o, workflowMember, "add_member", func(ctx context.Context) error {
		return o.idp.AddMember(ctx, tenant.OrgID, userID)
	})
	if err == nil {
		err = do(ctx, o, workflowMember, "assign_realm_role", func(ctx context.Context) error {
			return o.idp.AssignRealmRoles(ctx, userID, []string{in.RealmRole})
		})
	}
	if err == nil && len(in.ProductRoles) > 0 {
		err = do(ctx, o, workflowMember, "assign_product_roles", func(ctx context.Context) error {
			return o.idp.AssignClientRoles(ctx, userID, clientUUID, in.ProductRoles)
		})
	}
	if err != nil {
		rollback.run(ctx, err)
		return nil, err
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "user.created",
		ResourceType: "user",
		ResourceID:   userID,
		TenantID:     tenant.ID,
		Metadata:     map[string]any{"email": in.Email, "realmRole": in.RealmRole, "productRoles": in.ProductRoles},
		IPAddress:    actor.IP,
	})

	user.ID = userID
	user.Credentials = nil
	return &Member{User: user, ProductRoles: nonNilStrings(in.ProductRoles)}, nil
}

// ListTenantMembers returns one page of the tenant's members.
func (o *Orchestrator) ListTenantMembers(ctx context.Context, tenantID string, page, limit int) ([]identity.User, error) {
	tenant, err := o.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	page, limit = normalizePage(page, limit)
	users, err := o.idp.ListMembers(ctx, tenant.OrgID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = []identity.User{}
	}
	return users, nil
}

// member loads a tenant and checks that userID belongs to it.
func (o *Orchestrator) member(ctx context.Context, tenantID, userID string) (*models.Tenant, error) {
	tenant, err := o.FindTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ok, err := o.idp.IsMember(ctx, tenant.OrgID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("User", userID)
	}
	return tenant, nil
}

// GetTenantMember returns a member with its product roles.
func (o *Orchestrator) GetTenantMember(ctx context.Context, tenantID, userID string) (*Member, error) {
	tenant, err := o.member(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	user, err := o.idp.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	clientUUID, err := o.productClientUUID(ctx, tenant.Product)
	if err != nil {
		return nil, err
	}
	roles, err := o.idp.GetUserClientRoles(ctx, userID, clientUUID)
	if err != nil {
		return nil, err
	}
	return &Member{User: *user, ProductRoles: nonNilStrings(identity.RoleNames(roles))}, nil
}

// ReplaceMemberRoles makes roles the member's complete set of product roles.
func (o *Orchestrator) ReplaceMemberRoles(ctx context.Context, tenantID, userID string, roles []string, actor Actor) error {
	tenant, err := o.member(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	clientUUID, err := o.productClientUUID(ctx, tenant.Product)
	if err != nil {
		return err
	}
	if err := o.checkAssignable(ctx, clientUUID, roles); err != nil {
		return err
	}
	current, err := o.idp.GetUserClientRoles(ctx, userID, clientUUID)
	if err != nil {
		return err
	}

	have := identity.RoleNames(current)
	var remove, add []string
	for _, name := range have {
		if !slices.Contains(roles, name) {
			remove = append(remove, name)
		}
	}
	for _, name := range roles {
		if !slices.Contains(have, name) {
			add = append(add, name)
		}
	}
	if len(remove) > 0 {
		if err := o.idp.RemoveClientRoles(ctx, userID, clientUUID, remove); err != nil {
			return err
		}
	}
	if len(add) > 0 {
		if err := o.idp.AssignClientRoles(ctx, userID, clientUUID, add); err != nil {
			return err
		}
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "user.roles.updated",
		ResourceType: "user",
		ResourceID:   userID,
		TenantID:     tenant.ID,
		Metadata:     map[string]any{"added": add, "removed": remove},
		IPAddress:    actor.IP,
	})
	return nil
}

// SetMemberEnabled enables or disables a member. Disabling also ends the
// member's sessions, best effort.
func (o *Orchestrator) SetMemberEnabled(ctx context.Context, tenantID, userID string, enabled bool, actor Actor) error {
	tenant, err := o.member(ctx, tenantID, userID)
	if err != nil {
		return err
	}

	action := "user.enabled"
	if enabled {
		err = o.idp.EnableUser(ctx, userID)
	} else {
		action = "user.disabled"
		err = o.idp.DisableUser(ctx, userID)
		if err == nil {
			if logoutErr := o.idp.LogoutUser(ctx, userID); logoutErr != nil {
				o.log.Debugw("Could not end sessions", "user_id", userID, "error", logoutErr)
			}
		}
	}
	if err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       action,
		ResourceType: "user",
		ResourceID:   userID,
		TenantID:     tenant.ID,
		IPAddress:    actor.IP,
	})
	return nil
}

// RemoveTenantMember takes the user out of the organization and disables it.
func (o *Orchestrator) RemoveTenantMember(ctx context.Context, tenantID, userID string, actor Actor) error {
	tenant, err := o.member(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if err := o.idp.RemoveMember(ctx, tenant.OrgID, userID); err != nil {
		return err
	}
	if err := o.idp.DisableUser(ctx, userID); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "user.removed",
		ResourceType: "user",
		ResourceID:   userID,
		TenantID:     tenant.ID,
		IPAddress:    actor.IP,
	})
	return nil
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
