package provisioning

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
)

func identityClient(clientID string) identity.ClientSpec {
	return identity.ClientSpec{ClientID: clientID, Enabled: true}
}

func names(roles []identity.Role) []string {
	return identity.RoleNames(roles)
}

func acmeInput() TenantInput {
	return TenantInput{
		Name:          "Acme Corp",
		Alias:         "acme-corp",
		Product:       "doer-visa",
		Plan:          models.TenantPlanPro,
		AdminEmail:    "jane@acme.example",
		AdminFullName: "Jane Q Public",
		AdminPassword: "S3cure!pass",
	}
}

func TestOnboardTenant(t *testing.T) {
	f := setupTest(t)
	clientUUID, _ := f.idp.CreateClient(context.Background(), identityClient("doer-visa"))
	require.NoError(t, f.idp.CreateClientRole(context.Background(), clientUUID, identity.Role{Name: "manage_all"}))

	result, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)
	require.NoError(t, err)

	tenant := result.Tenant
	assert.Equal(t, "acme-corp", tenant.Alias)
	assert.Equal(t, models.TenantStatusActive, tenant.Status)
	assert.Equal(t, models.DefaultMaxUsers, tenant.MaxUsers)
	require.NotEmpty(t, tenant.OrgID)

	org := f.idp.Orgs[tenant.OrgID]
	assert.Equal(t, "acme-corp", org.Name)
	assert.Equal(t, []string{"pro"}, org.Attributes["plan"])
	assert.Equal(t, []string{"Acme Corp"}, org.Attributes["displayName"])

	user := f.idp.Users[result.AdminUserID]
	require.NotNil(t, user)
	assert.Equal(t, "Jane", user.FirstName)
	assert.Equal(t, "Q Public", user.LastName)
	require.Len(t, user.Credentials, 1)
	assert.True(t, user.Credentials[0].Temporary)

	assert.Equal(t, []string{"tenant_admin"}, f.idp.UserRealm[result.AdminUserID])
	assert.Equal(t, []string{result.AdminUserID}, f.idp.Members[tenant.OrgID])
	assert.Equal(t, []string{"manage_all"}, f.idp.UserClient[result.AdminUserID+"/"+clientUUID])
	assert.Equal(t, []string{"tenant.created"}, f.auditActions(t))
}

func TestOnboardTenantDuplicateAliasMakesNoExternalCalls(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.Tenant{Name: "Acme", Alias: "acme-corp", Product: "doer-visa"}).Error)

	_, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)

	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Empty(t, f.idp.Calls)
}

func TestOnboardTenantReusesOrphanedOrganization(t *testing.T) {
	f := setupTest(t)
	orphan, err := f.idp.CreateOrganization(context.Background(), identity.Organization{Name: "acme-corp", Alias: "acme-corp"})
	require.NoError(t, err)

	result, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)
	require.NoError(t, err)

	assert.Equal(t, orphan, result.Tenant.OrgID)
	assert.Len(t, f.idp.Orgs, 1)
	assert.Contains(t, f.idp.Members[orphan], result.AdminUserID)
}

func TestOnboardTenantFailedWriteDeletesOrganization(t *testing.T) {
	f := setupTest(t)
	failWrites(t, f.db, "tenants", errors.New("disk full"))

	_, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)

	assert.True(t, apperr.Is(err, apperr.KindInternal))
	assert.Len(t, f.idp.CallsTo("DeleteOrganization"), 1)
	assert.Empty(t, f.idp.Orgs)
	assert.Empty(t, f.idp.CallsTo("CreateUser"))
}

func TestOnboardTenantFailedWriteKeepsReusedOrganization(t *testing.T) {
	f := setupTest(t)
	_, err := f.idp.CreateOrganization(context.Background(), identity.Organization{Name: "acme-corp", Alias: "acme-corp"})
	require.NoError(t, err)
	failWrites(t, f.db, "tenants", errors.New("disk full"))

	_, err = f.o.OnboardTenant(context.Background(), acmeInput(), admin)

	require.Error(t, err)
	assert.Empty(t, f.idp.CallsTo("DeleteOrganization"))
	assert.Len(t, f.idp.Orgs, 1)
}

func TestOnboardTenantAdminFailureKeepsTenant(t *testing.T) {
	f := setupTest(t)
	f.idp.Fail["CreateUser"] = apperr.Unavailable("keycloak", errors.New("timeout"))

	result, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, result.Tenant.ID, ae.Details["tenantId"])

	var stored models.Tenant
	require.NoError(t, f.db.First(&stored, "alias = ?", "acme-corp").Error)
	assert.Empty(t, f.idp.CallsTo("DeleteOrganization"))
	assert.Equal(t, []string{"tenant.created"}, f.auditActions(t))
}

func TestOnboardTenantValidation(t *testing.T) {
	f := setupTest(t)
	cases := map[string]func(*TenantInput){
		"alias uppercase": func(in *TenantInput) { in.Alias = "Acme" },
		"alias dash":      func(in *TenantInput) { in.Alias = "acme-" },
		"plan":            func(in *TenantInput) { in.Plan = "gold" },
		"email":           func(in *TenantInput) { in.AdminEmail = "not-an-email" },
		"password":        func(in *TenantInput) { in.AdminPassword = "short" },
		"max users":       func(in *TenantInput) { in.MaxUsers = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := acmeInput()
			mutate(&in)
			_, err := f.o.OnboardTenant(context.Background(), in, admin)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
	assert.Empty(t, f.idp.Calls)
}

func onboardWithMembers(t *testing.T, f *fixture, n int) *models.Tenant {
	t.Helper()
	result, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)
	require.NoError(t, err)
	for i := range n - 1 {
		id := f.idp.AddUser(identity.User{Email: fmt.Sprintf("m%d@acme.example", i), Enabled: true})
		f.idp.AddMemberDirect(result.Tenant.OrgID, id)
	}
	return result.Tenant
}

func TestDeactivateTenantDisablesEveryMember(t *testing.T) {
	f := setupTest(t)
	tenant := onboardWithMembers(t, f, 250)
	f.idp.Fail["LogoutUser"] = apperr.NotFound("Session", "")

	require.NoError(t, f.o.DeactivateTenant(context.Background(), tenant.ID, admin))

	assert.Len(t, f.idp.CallsTo("DisableUser"), 250)
	assert.Len(t, f.idp.CallsTo("LogoutUser"), 250)
	assert.Len(t, f.idp.CallsTo("ListMembers"), 3)
	for _, id := range f.idp.Members[tenant.OrgID] {
		assert.False(t, f.idp.Users[id].Enabled, id)
	}

	stored, err := f.o.FindTenant(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TenantStatusInactive, stored.Status)
	assert.Contains(t, f.auditActions(t), "tenant.deactivated")

	require.NoError(t, f.o.ActivateTenant(context.Background(), tenant.ID, admin))
	assert.Len(t, f.idp.CallsTo("EnableUser"), 250)
	stored, _ = f.o.FindTenant(context.Background(), tenant.ID)
	assert.True(t, stored.IsActive())
}

func TestDeactivateTenantFailureLeavesStatus(t *testing.T) {
	f := setupTest(t)
	tenant := onboardWithMembers(t, f, 3)
	f.idp.Fail["DisableUser"] = apperr.Unavailable("keycloak", errors.New("boom"))

	err := f.o.DeactivateTenant(context.Background(), tenant.ID, admin)

	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	stored, _ := f.o.FindTenant(context.Background(), tenant.ID)
	assert.Equal(t, models.TenantStatusActive, stored.Status)
	assert.NotContains(t, f.auditActions(t), "tenant.deactivated")
}

func TestFindTenantNotFound(t *testing.T) {
	f := setupTest(t)
	_, err := f.o.FindTenant(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListTenantsScopesNonAdmins(t *testing.T) {
	f := setupTest(t)
	for _, alias := range []string{"acme-corp", "globex", "initech"} {
		require.NoError(t, f.db.Create(&models.Tenant{Name: alias, Alias: alias, Product: "doer-visa"}).Error)
	}

	page, err := f.o.ListTenants(context.Background(), &auth.Identity{ID: "a", RealmRoles: []string{auth.RolePlatformAdmin}}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Len(t, page.Items, 2)

	page, err = f.o.ListTenants(context.Background(), &auth.Identity{ID: "b", RealmRoles: []string{auth.RoleTenantAdmin}, OrganizationID: "globex"}, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "globex", page.Items[0].Alias)

	page, err = f.o.ListTenants(context.Background(), &auth.Identity{ID: "c", RealmRoles: []string{auth.RoleTenantAdmin}}, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestUpdateTenantSyncsOrganization(t *testing.T) {
	f := setupTest(t)
	result, err := f.o.OnboardTenant(context.Background(), acmeInput(), admin)
	require.NoError(t, err)

	plan := models.TenantPlanEnterprise
	maxUsers := 500
	updated, err := f.o.UpdateTenant(context.Background(), result.Tenant.ID, TenantUpdate{Plan: &plan, MaxUsers: &maxUsers}, admin)
	require.NoError(t, err)
	assert.Equal(t, 500, updated.MaxUsers)

	org := f.idp.Orgs[result.Tenant.OrgID]
	assert.Equal(t, []string{"enterprise"}, org.Attributes["plan"])
	assert.Equal(t, []string{"Acme Corp"}, org.Attributes["displayName"])

	withMembers, err := f.o.GetTenant(context.Background(), result.Tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, withMembers.MemberCount)
}
