package tenants

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/database"
	"github.com/mikepea/idplane/pkg/idplane/gateway/gatewaytest"
	"github.com/mikepea/idplane/pkg/idplane/identity/identitytest"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	t      *testing.T
	db     *gorm.DB
	idp    *identitytest.Fake
	router *gin.Engine
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := database.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

func setupTestRouter(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	env := &testEnv{t: t, db: setupTestDB(t), idp: identitytest.New()}
	orch := provisioning.New(env.db, env.idp, gatewaytest.New(), audit.NewRecorder(env.db, log), log, provisioning.Options{})

	r := gin.New()
	r.Use(auth.Authenticate(auth.UnverifiedExtractor{}))
	NewHandler(orch, auth.NewGuards(orch, log), log).RegisterRoutes(r.Group("/api/tenants"))
	env.router = r
	return env
}

// token returns a bearer token for a caller with one realm role.
func token(t *testing.T, role, org string) string {
	claims := jwt.MapClaims{
		"sub":          role + "-user",
		"realm_access": map[string]any{"roles": []string{role}},
	}
	if org != "" {
		claims["organization"] = []string{org}
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return raw
}

func (env *testEnv) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

const acmeBody = `{
	"name": "Acme Corp",
	"alias": "acme-corp",
	"product": "doer-visa",
	"plan": "pro",
	"admin_email": "jane@acme.example",
	"admin_full_name": "Jane Doe",
	"admin_password": "S3cure!pass"
}`

func (env *testEnv) createTenant() provisioning.OnboardedTenant {
	resp := env.do("POST", "/api/tenants", token(env.t, auth.RolePlatformAdmin, ""), acmeBody)
	if resp.Code != http.StatusCreated {
		env.t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var result provisioning.OnboardedTenant
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		env.t.Fatalf("Failed to parse response: %v", err)
	}
	return result
}

func TestCreateTenant(t *testing.T) {
	env := setupTestRouter(t)
	result := env.createTenant()

	if result.Tenant.Alias != "acme-corp" || result.Tenant.Plan != models.TenantPlanPro {
		t.Errorf("Unexpected tenant: %+v", result.Tenant)
	}
	if result.AdminUserID == "" {
		t.Error("Expected admin user id in response")
	}
}

func TestCreateTenantRequiresPlatformAdmin(t *testing.T) {
	env := setupTestRouter(t)

	resp := env.do("POST", "/api/tenants", "", acmeBody)
	if resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.Code)
	}

	resp = env.do("POST", "/api/tenants", token(t, auth.RoleTenantAdmin, "acme-corp"), acmeBody)
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
	if len(env.idp.Calls) != 0 {
		t.Errorf("Expected no identity calls, got %v", env.idp.Calls)
	}
}

func TestCreateTenantValidation(t *testing.T) {
	env := setupTestRouter(t)
	admin := token(t, auth.RolePlatformAdmin, "")

	tests := []struct {
		name string
		body string
	}{
		{"bad plan", strings.Replace(acmeBody, `"pro"`, `"gold"`, 1)},
		{"bad email", strings.Replace(acmeBody, "jane@acme.example", "jane", 1)},
		{"short password", strings.Replace(acmeBody, "S3cure!pass", "short", 1)},
		{"bad alias", strings.Replace(acmeBody, "acme-corp", "-acme", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do("POST", "/api/tenants", admin, tt.body)
			if resp.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", resp.Code, resp.Body.String())
			}
		})
	}
}

func TestListTenantsScoping(t *testing.T) {
	env := setupTestRouter(t)
	env.createTenant()
	env.db.Create(&models.Tenant{Name: "Globex", Alias: "globex", Product: "doer-visa"})

	resp := env.do("GET", "/api/tenants", token(t, auth.RolePlatformAdmin, ""), "")
	var page provisioning.TenantPage
	json.Unmarshal(resp.Body.Bytes(), &page)
	if page.Total != 2 {
		t.Errorf("Expected 2 tenants for platform admin, got %d", page.Total)
	}

	resp = env.do("GET", "/api/tenants", token(t, auth.RoleTenantAdmin, "globex"), "")
	page = provisioning.TenantPage{}
	json.Unmarshal(resp.Body.Bytes(), &page)
	if len(page.Items) != 1 || page.Items[0].Alias != "globex" {
		t.Errorf("Expected only globex for its admin, got %+v", page.Items)
	}

	resp = env.do("GET", "/api/tenants", token(t, auth.RoleEndUser, "globex"), "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for end user, got %d", resp.Code)
	}
}

func TestGetTenantScope(t *testing.T) {
	env := setupTestRouter(t)
	result := env.createTenant()
	path := "/api/tenants/" + result.Tenant.ID

	resp := env.do("GET", path, token(t, auth.RoleTenantAdmin, "acme-corp"), "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var tenant provisioning.TenantWithMembers
	json.Unmarshal(resp.Body.Bytes(), &tenant)
	if tenant.MemberCount != 1 {
		t.Errorf("Expected 1 member, got %d", tenant.MemberCount)
	}

	resp = env.do("GET", path, token(t, auth.RoleTenantAdmin, "globex"), "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another tenant's admin, got %d", resp.Code)
	}

	resp = env.do("GET", "/api/tenants/missing", token(t, auth.RoleTenantAdmin, "acme-corp"), "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for unknown tenant, got %d", resp.Code)
	}
}

func TestDeactivateAndActivateTenant(t *testing.T) {
	env := setupTestRouter(t)
	result := env.createTenant()
	admin := token(t, auth.RolePlatformAdmin, "")
	path := "/api/tenants/" + result.Tenant.ID

	resp := env.do("POST", path+"/deactivate", admin, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	user, _ := env.idp.GetUserByID(context.Background(), result.AdminUserID)
	if user.Enabled {
		t.Error("Expected tenant admin to be disabled")
	}

	// Members of an inactive tenant lose access
	resp = env.do("GET", path, token(t, auth.RoleTenantAdmin, "acme-corp"), "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 on inactive tenant, got %d", resp.Code)
	}

	resp = env.do("POST", path+"/activate", admin, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	user, _ = env.idp.GetUserByID(context.Background(), result.AdminUserID)
	if !user.Enabled {
		t.Error("Expected tenant admin to be enabled")
	}
}

func TestUpdateTenant(t *testing.T) {
	env := setupTestRouter(t)
	result := env.createTenant()

	resp := env.do("PUT", "/api/tenants/"+result.Tenant.ID, token(t, auth.RolePlatformAdmin, ""), `{"name": "Acme Inc"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	org := env.idp.Orgs[result.Tenant.OrgID]
	if got := org.Attributes["displayName"]; len(got) != 1 || got[0] != "Acme Inc" {
		t.Errorf("Expected displayName synced, got %v", got)
	}
}
