package provisioning

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}[a-z0-9]$`)

// adminProductRoles are tried in order when granting the tenant admin its
// product role.
var adminProductRoles = []string{"manage_all", "admin"}

const memberPageSize = 100

// TenantInput describes a tenant to onboard.
type TenantInput struct {
	Name          string
	Alias         string
	Product       string
	Plan          models.TenantPlan
	MaxUsers      int
	BillingEmail  string
	Domain        string
	AdminEmail    string
	AdminFullName string
	AdminPassword string
}

// TenantUpdate holds the tenant fields to change. Nil fields are kept.
type TenantUpdate struct {
	Name         *string            `json:"name"`
	Plan         *models.TenantPlan `json:"plan"`
	MaxUsers     *int               `json:"max_users"`
	BillingEmail *string            `json:"billing_email"`
	Domain       *string            `json:"domain"`
}

// OnboardedTenant is the result of tenant onboarding.
type OnboardedTenant struct {
	Tenant      *models.Tenant `json:"tenant"`
	AdminUserID string         `json:"admin_user_id,omitempty"`
}

// TenantWithMembers is a tenant with its live member count.
type TenantWithMembers struct {
	models.Tenant
	MemberCount int `json:"member_count"`
}

// TenantPage is one page of tenants.
type TenantPage struct {
	Items []models.Tenant `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

func validPlan(p models.TenantPlan) bool {
	switch p {
	case models.TenantPlanBasic, models.TenantPlanPro, models.TenantPlanEnterprise:
		return true
	}
	return false
}

func (in *TenantInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return apperr.Validation("Tenant name is required")
	}
	if !aliasPattern.MatchString(in.Alias) {
		return apperr.Validation("Alias must be 2-64 lowercase alphanumeric characters with dashes, cannot start or end with dash")
	}
	if in.Product == "" {
		return apperr.Validation("Product is required")
	}
	if in.Plan == "" {
		in.Plan = models.TenantPlanBasic
	}
	if !validPlan(in.Plan) {
		return apperr.Validation("Plan must be one of basic, pro, enterprise")
	}
	if in.MaxUsers == 0 {
		in.MaxUsers = models.DefaultMaxUsers
	}
	if in.MaxUsers < 1 || in.MaxUsers > 100000 {
		return apperr.Validation("Max users must be between 1 and 100000")
	}
	if _, err := mail.ParseAddress(in.AdminEmail); err != nil {
		return apperr.Validation("Admin email is not a valid address")
	}
	if strings.TrimSpace(in.AdminFullName) == "" {
		return apperr.Validation("Admin full name is required")
	}
	if len(in.AdminPassword) < 8 {
		return apperr.Validation("Admin password must be at least 8 characters")
	}
	return nil
}

// SplitName splits a full name into first and last name.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// OnboardTenant creates the tenant's organization, persists the tenant and
// provisions its first admin.
//
// If the admin cannot be provisioned the tenant is kept and the error is
// returned with the tenant id in its details; an admin can be invited later.
func (o *Orchestrator) OnboardTenant(ctx context.Context, in TenantInput, actor Actor) (*OnboardedTenant, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var existing int64
	if err := o.db.WithContext(ctx).Model(&models.Tenant{}).Where("alias = ?", in.Alias).Count(&existing).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	if existing > 0 {
		return nil, apperr.Conflict("Tenant with alias '%s' already exists", in.Alias)
	}

	orgID, created, err := o.ensureOrganization(ctx, in)
	if err != nil {
		return nil, err
	}

	tenant := &models.Tenant{
		OrgID:        orgID,
		Name:         in.Name,
		Alias:        in.Alias,
		Product:      in.Product,
		Plan:         in.Plan,
		MaxUsers:     in.MaxUsers,
		Status:       models.TenantStatusActive,
		BillingEmail: in.BillingEmail,
		Domain:       in.Domain,
	}
	if err := o.db.WithContext(ctx).Create(tenant).Error; err != nil {
		perr := persistErr(err, "Tenant with alias '%s' already exists", in.Alias)
		if created {
			rollback := newCompensations(o, workflowTenant)
			rollback.push("delete_organization", func(ctx context.Context) error {
				return o.idp.DeleteOrganization(ctx, orgID)
			})
			rollback.run(ctx, perr)
		}
		return nil, perr
	}

	result := &OnboardedTenant{Tenant: tenant}
	adminID, adminErr := o.provisionTenantAdmin(ctx, tenant, in)
	result.AdminUserID = adminID

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "tenant.created",
		ResourceType: "tenant",
		ResourceID:   tenant.ID,
		TenantID:     tenant.ID,
		Metadata: map[string]any{
			"name":             in.Name,
			"alias":            in.Alias,
			"adminEmail":       in.AdminEmail,
			"adminProvisioned": adminErr == nil,
		},
		IPAddress: actor.IP,
	})

	if adminErr != nil {
		o.log.Warnw("Tenant created without admin", "tenant_id", tenant.ID, "alias", tenant.Alias, "error", adminErr)
		var ae *apperr.Error
		if errors.As(adminErr, &ae) {
			return result, ae.WithDetails(map[string]any{"tenantId": tenant.ID})
		}
		return result, adminErr
	}

	o.log.Infow("Tenant onboarded", "tenant_id", tenant.ID, "alias", tenant.Alias, "org_id", orgID)
	return result, nil
}

// ensureOrganization creates the organization, or adopts one left behind by
// an earlier attempt with the same alias.
func (o *Orchestrator) ensureOrganization(ctx context.Context, in TenantInput) (id string, created bool, err error) {
	id, err = step(ctx, o, workflowTenant, "create_organization", func(ctx context.Context) (string, error) {
		return o.idp.CreateOrganization(ctx, identity.Organization{
			Name:    in.Alias,
			Alias:   in.Alias,
			Enabled: true,
			Attributes: map[string][]string{
				"product":     {in.Product},
				"plan":        {string(in.Plan)},
				"displayName": {in.Name},
			},
		})
	})
	if err == nil {
		return id, true, nil
	}
	if !apperr.Is(err, apperr.KindConflict) {
		return "", false, err
	}

	orgs, serr := step(ctx, o, workflowTenant, "find_organization", func(ctx context.Context) ([]identity.Organization, error) {
		return o.idp.SearchOrganizations(ctx, in.Alias)
	})
	if serr != nil {
		return "", false, serr
	}
	for _, org := range orgs {
		if org.Alias == in.Alias || org.Name == in.Alias {
			o.log.Infow("Reusing existing organization", "alias", in.Alias, "org_id", org.ID)
			return org.ID, false, nil
		}
	}
	return "", false, err
}

func (o *Orchestrator) provisionTenantAdmin(ctx context.Context, tenant *models.Tenant, in TenantInput) (string, error) {
	first, last := SplitName(in.AdminFullName)
	userID, err := step(ctx, o, workflowTenant, "create_admin", func(ctx context.Context) (string, error) {
		return o.idp.CreateUser(ctx, identity.User{
			Username:  in.AdminEmail,
			Email:     in.AdminEmail,
			FirstName: first,
			LastName:  last,
			Enabled:   true,
			Credentials: []identity.Credential{
				{Type: "password", Value: in.AdminPassword, Temporary: true},
			},
		})
	})
	if err != nil {
		return "", err
	}

	err = do(ctx, o, workflowTenant, "assign_tenant_admin", func(ctx context.Context) error {
		return o.idp.AssignRealmRoles(ctx, userID, []string{auth.RoleTenantAdmin})
	})
	if err != nil {
		return userID, err
	}
	err = do(ctx, o, workflowTenant, "add_admin_member", func(ctx context.Context) error {
		return o.idp.AddMember(ctx, tenant.OrgID, userID)
	})
	if err != nil {
		return userID, err
	}

	bestEffort(ctx, o, workflowTenant, "assign_product_role", func(ctx context.Context) error {
		clientUUID, err := o.idp.GetClientUUID(ctx, tenant.Product)
		if err != nil {
			return err
		}
		roles, err := o.idp.GetClientRoles(ctx, clientUUID)
		if err != nil {
			return err
		}
		for _, name := range adminProductRoles {
			if len(rolesNamed(roles, []string{name})) > 0 {
				return o.idp.AssignClientRoles(ctx, userID, clientUUID, []string{name})
			}
		}
		return apperr.NotFound("Admin role for product", tenant.Product)
	})
	return userID, nil
}

// FindTenant loads a tenant by id for the tenant-scope guard.
func (o *Orchestrator) FindTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := o.db.WithContext(ctx).First(&tenant, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Tenant", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &tenant, nil
}

// GetTenant returns a tenant with its member count.
func (o *Orchestrator) GetTenant(ctx context.Context, id string) (*TenantWithMembers, error) {
	tenant, err := o.FindTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &TenantWithMembers{Tenant: *tenant}
	if tenant.OrgID != "" {
		n, err := o.idp.CountMembers(ctx, tenant.OrgID)
		if err != nil {
			return nil, err
		}
		out.MemberCount = n
	}
	return out, nil
}

// ListTenants pages through tenants visible to the caller. Platform admins
// see every tenant; anyone else only the tenant of their organization.
func (o *Orchestrator) ListTenants(ctx context.Context, caller *auth.Identity, page, limit int) (*TenantPage, error) {
	page, limit = normalizePage(page, limit)

	query := o.db.WithContext(ctx).Model(&models.Tenant{})
	if caller == nil || !caller.IsPlatformAdmin() {
		if caller == nil || caller.OrganizationID == "" {
			return &TenantPage{Items: []models.Tenant{}, Page: page, Limit: limit}, nil
		}
		query = query.Where("alias = ?", caller.OrganizationID)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	items := []models.Tenant{}
	if err := query.Order("created_at DESC").Limit(limit).Offset((page - 1) * limit).Find(&items).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return &TenantPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// UpdateTenant changes tenant metadata and mirrors plan and display name
// onto the organization.
func (o *Orchestrator) UpdateTenant(ctx context.Context, id string, in TenantUpdate, actor Actor) (*models.Tenant, error) {
	tenant, err := o.FindTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	attrs := map[string][]string{}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.Validation("Tenant name cannot be empty")
		}
		tenant.Name = *in.Name
		changes["name"] = *in.Name
		attrs["displayName"] = []string{*in.Name}
	}
	if in.Plan != nil {
		if !validPlan(*in.Plan) {
			return nil, apperr.Validation("Plan must be one of basic, pro, enterprise")
		}
		tenant.Plan = *in.Plan
		changes["plan"] = *in.Plan
		attrs["plan"] = []string{string(*in.Plan)}
	}
	if in.MaxUsers != nil {
		if *in.MaxUsers < 1 || *in.MaxUsers > 100000 {
			return nil, apperr.Validation("Max users must be between 1 and 100000")
		}
		tenant.MaxUsers = *in.MaxUsers
		changes["max_users"] = *in.MaxUsers
	}
	if in.BillingEmail != nil {
		tenant.BillingEmail = *in.BillingEmail
		changes["billing_email"] = *in.BillingEmail
	}
	if in.Domain != nil {
		tenant.Domain = *in.Domain
		changes["domain"] = *in.Domain
	}

	if err := o.db.WithContext(ctx).Save(tenant).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	if tenant.OrgID != "" && len(attrs) > 0 {
		err := do(ctx, o, "tenant_update", "sync_organization", func(ctx context.Context) error {
			return o.idp.UpdateOrganizationAttributes(ctx, tenant.OrgID, attrs)
		})
		if err != nil {
			return nil, err
		}
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "tenant.updated",
		ResourceType: "tenant",
		ResourceID:   id,
		TenantID:     id,
		Metadata:     changes,
		IPAddress:    actor.IP,
	})
	return tenant, nil
}

// ActivateTenant enables every member, then marks the tenant active.
func (o *Orchestrator) ActivateTenant(ctx context.Context, id string, actor Actor) error {
	return o.setTenantStatus(ctx, id, models.TenantStatusActive, "tenant.activated", actor, func(ctx context.Context, userID string) error {
		return o.idp.EnableUser(ctx, userID)
	})
}

// DeactivateTenant disables every member and ends their sessions, then marks
// the tenant inactive.
func (o *Orchestrator) DeactivateTenant(ctx context.Context, id string, actor Actor) error {
	return o.setTenantStatus(ctx, id, models.TenantStatusInactive, "tenant.deactivated", actor, func(ctx context.Context, userID string) error {
		if err := o.idp.DisableUser(ctx, userID); err != nil {
			return err
		}
		// Users without a live session make logout fail.
		if err := o.idp.LogoutUser(ctx, userID); err != nil {
			o.log.Debugw("Logout after disable failed", "user_id", userID, "error", err)
		}
		return nil
	})
}

// setTenantStatus applies toggle to every member. The status only changes
// after all members succeeded; a partial failure is safe to retry.
func (o *Orchestrator) setTenantStatus(ctx context.Context, id string, status models.TenantStatus, action string, actor Actor, toggle func(context.Context, string) error) error {
	tenant, err := o.FindTenant(ctx, id)
	if err != nil {
		return err
	}
	if tenant.Status == models.TenantStatusSuspended {
		return apperr.Validation("Tenant '%s' is suspended", tenant.Alias)
	}

	processed := 0
	if tenant.OrgID != "" {
		processed, err = o.forEachMember(ctx, tenant.OrgID, toggle)
		if err != nil {
			o.log.Errorw("Member fan-out failed", "tenant_id", id, "status", status, "processed", processed, "error", err)
			return err
		}
	}

	if err := o.db.WithContext(ctx).Model(tenant).Update("status", status).Error; err != nil {
		return apperr.Internal(err)
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       action,
		ResourceType: "tenant",
		ResourceID:   id,
		TenantID:     id,
		Metadata:     map[string]any{"members": processed},
		IPAddress:    actor.IP,
	})
	return nil
}

// forEachMember pages through the organization's members and applies fn to
// each one, in parallel within a page.
func (o *Orchestrator) forEachMember(ctx context.Context, orgID string, fn func(context.Context, string) error) (int, error) {
	total := 0
	for first := 0; ; first += memberPageSize {
		members, err := step(ctx, o, workflowFanout, "list_members", func(ctx context.Context) ([]identity.User, error) {
			return o.idp.ListMembers(ctx, orgID, first, memberPageSize)
		})
		if err != nil {
			return total, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.FanoutConcurrency)
		for _, m := range members {
			g.Go(func() error {
				return do(gctx, o, workflowFanout, "toggle_member", func(ctx context.Context) error {
					return fn(ctx, m.ID)
				})
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}
		total += len(members)

		if len(members) < memberPageSize {
			return total, nil
		}
	}
}
