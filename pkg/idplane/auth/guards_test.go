package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubTenants map[string]*models.Tenant

func (s stubTenants) FindTenant(_ context.Context, id string) (*models.Tenant, error) {
	if t, ok := s[id]; ok {
		return t, nil
	}
	return nil, apperr.NotFound("Tenant", id)
}

func newTestGuards() *Guards {
	return NewGuards(stubTenants{
		"t-active":   {ID: "t-active", Alias: "acme", Status: models.TenantStatusActive},
		"t-inactive": {ID: "t-inactive", Alias: "acme-old", Status: models.TenantStatusInactive},
		"t-suspend":  {ID: "t-suspend", Alias: "globex", Status: models.TenantStatusSuspended},
	}, zap.NewNop().Sugar())
}

func TestAuthorizePublicBypass(t *testing.T) {
	g := newTestGuards()
	err := g.Authorize(context.Background(), Policy{Public: true, RealmRoles: []string{RolePlatformAdmin}}, nil, "t-active")
	assert.NoError(t, err)
}

func TestAuthorizeRequiresIdentity(t *testing.T) {
	g := newTestGuards()
	err := g.Authorize(context.Background(), Policy{}, nil, "")
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthorizeRealmRoles(t *testing.T) {
	g := newTestGuards()
	p := Policy{RealmRoles: []string{RolePlatformAdmin, RoleTenantAdmin}}

	assert.NoError(t, g.Authorize(context.Background(), p, &Identity{ID: "u", RealmRoles: []string{RoleTenantAdmin}}, ""))

	err := g.Authorize(context.Background(), p, &Identity{ID: "u", RealmRoles: []string{RoleEndUser}}, "")
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{RolePlatformAdmin, RoleTenantAdmin}, e.Details["required"])
	assert.Equal(t, []string{RoleEndUser}, e.Details["actual"])
}

func TestAuthorizeProductRoles(t *testing.T) {
	g := newTestGuards()
	p := Policy{Product: "doer-visa", ProductRoles: []string{"approve_application"}}

	member := &Identity{ID: "u", ProductRoles: map[string][]string{"doer-visa": {"view_application"}}}
	err := g.Authorize(context.Background(), p, member, "")
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	var e *apperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"approve_application"}, e.Details["required"])
	assert.Equal(t, []string{"view_application"}, e.Details["actual"])

	approver := &Identity{ID: "u", ProductRoles: map[string][]string{"doer-visa": {"approve_application"}}}
	assert.NoError(t, g.Authorize(context.Background(), p, approver, ""))

	admin := &Identity{ID: "u", RealmRoles: []string{RolePlatformAdmin}}
	assert.NoError(t, g.Authorize(context.Background(), p, admin, ""))
}

func TestAuthorizeTenantScope(t *testing.T) {
	g := newTestGuards()
	p := Policy{TenantParam: "tid"}
	ctx := context.Background()

	member := &Identity{ID: "u", OrganizationID: "acme"}
	assert.NoError(t, g.Authorize(ctx, p, member, "t-active"))
	assert.NoError(t, g.Authorize(ctx, p, member, ""), "routes without the parameter are not scoped")

	outsider := &Identity{ID: "u", OrganizationID: "globex"}
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(g.Authorize(ctx, p, outsider, "t-active")))

	noOrg := &Identity{ID: "u"}
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(g.Authorize(ctx, p, noOrg, "t-active")))

	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(g.Authorize(ctx, p, member, "missing")))

	oldMember := &Identity{ID: "u", OrganizationID: "acme-old"}
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(g.Authorize(ctx, p, oldMember, "t-inactive")),
		"members of an inactive tenant are denied")

	suspended := &Identity{ID: "u", OrganizationID: "globex"}
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(g.Authorize(ctx, p, suspended, "t-suspend")))

	admin := &Identity{ID: "u", RealmRoles: []string{RolePlatformAdmin}}
	assert.NoError(t, g.Authorize(ctx, p, admin, "t-inactive"))
}

func setupTestRouter(p Policy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := newTestGuards()
	r.Use(Authenticate(UnverifiedExtractor{}))
	r.GET("/tenants/:tid/users", g.Require(p), func(c *gin.Context) {
		identity, _ := GetIdentity(c)
		c.JSON(http.StatusOK, gin.H{"user": identity.ID})
	})
	return r
}

func TestRequireMiddleware(t *testing.T) {
	router := setupTestRouter(Policy{RealmRoles: []string{RoleTenantAdmin}, TenantParam: "tid"})

	// No token
	req, _ := http.NewRequest("GET", "/tenants/t-active/users", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}

	// Malformed token is treated as no identity
	req, _ = http.NewRequest("GET", "/tenants/t-active/users", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}

	// Tenant admin of the tenant
	token := signToken(t, jwt.MapClaims{
		"sub":          "user-1",
		"realm_access": map[string]any{"roles": []string{RoleTenantAdmin}},
		"organization": map[string]any{"acme": map[string]any{}},
	})
	req, _ = http.NewRequest("GET", "/tenants/t-active/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// Same admin on another tenant
	req, _ = http.NewRequest("GET", "/tenants/t-suspend/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}

	var body struct {
		Error apperr.ErrorBody `json:"error"`
	}
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body.Error.Code != apperr.KindForbidden {
		t.Errorf("Expected error code FORBIDDEN, got %s", body.Error.Code)
	}
}
