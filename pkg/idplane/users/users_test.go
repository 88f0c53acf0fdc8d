package users

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/database"
	"github.com/mikepea/idplane/pkg/idplane/gateway/gatewaytest"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/identity/identitytest"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	idp    *identitytest.Fake
	router *gin.Engine
	tenant *models.Tenant
	caller *auth.Identity
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

// setupTestRouter seeds one tenant of max size maxUsers on a product with
// the roles "viewer" and "editor", and serves requests as its tenant admin.
func setupTestRouter(t *testing.T, maxUsers int) *testEnv {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop().Sugar()
	env := &testEnv{db: setupTestDB(t), idp: identitytest.New()}
	orch := provisioning.New(env.db, env.idp, gatewaytest.New(), audit.NewRecorder(env.db, log), log, provisioning.Options{})

	clientUUID, _ := env.idp.CreateClient(context.Background(), identity.ClientSpec{ClientID: "doer-visa", PublicClient: true})
	env.idp.CreateClientRole(context.Background(), clientUUID, identity.Role{Name: "viewer"})
	env.idp.CreateClientRole(context.Background(), clientUUID, identity.Role{Name: "editor"})
	orgID, _ := env.idp.CreateOrganization(context.Background(), identity.Organization{Name: "acme", Alias: "acme"})
	env.tenant = &models.Tenant{Name: "Acme", Alias: "acme", Product: "doer-visa", OrgID: orgID, MaxUsers: maxUsers}
	if err := env.db.Create(env.tenant).Error; err != nil {
		t.Fatalf("Failed to create tenant: %v", err)
	}
	env.caller = &auth.Identity{ID: "admin-1", RealmRoles: []string{auth.RoleTenantAdmin}, OrganizationID: "acme"}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyIdentity, env.caller)
	})
	NewHandler(orch, auth.NewGuards(orch, log), log).RegisterRoutes(r.Group("/api/tenants"))
	env.router = r
	return env
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func (env *testEnv) base() string {
	return "/api/tenants/" + env.tenant.ID
}

func (env *testEnv) createUser(t *testing.T, email string) provisioning.Member {
	resp := env.do("POST", env.base()+"/users", `{"email": "`+email+`", "first_name": "Sam", "product_roles": ["viewer"]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var member provisioning.Member
	if err := json.Unmarshal(resp.Body.Bytes(), &member); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return member
}

func TestCreateUser(t *testing.T) {
	env := setupTestRouter(t, 10)
	member := env.createUser(t, "sam@acme.example")

	if member.ID == "" || member.Email != "sam@acme.example" {
		t.Errorf("Unexpected member: %+v", member)
	}
	if len(member.ProductRoles) != 1 || member.ProductRoles[0] != "viewer" {
		t.Errorf("Expected viewer role, got %v", member.ProductRoles)
	}

	resp := env.do("GET", env.base()+"/users", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "sam@acme.example") {
		t.Errorf("Expected user in member list, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCreateUserLimitExceeded(t *testing.T) {
	env := setupTestRouter(t, 1)
	env.createUser(t, "first@acme.example")

	resp := env.do("POST", env.base()+"/users", `{"email": "second@acme.example", "first_name": "Al"}`)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "TENANT_LIMIT_EXCEEDED") {
		t.Errorf("Expected TENANT_LIMIT_EXCEEDED code, got %s", resp.Body.String())
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	env := setupTestRouter(t, 10)
	env.createUser(t, "sam@acme.example")

	resp := env.do("POST", env.base()+"/users", `{"email": "sam@acme.example", "first_name": "Sam"}`)
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestOtherTenantAdminIsDenied(t *testing.T) {
	env := setupTestRouter(t, 10)
	env.caller = &auth.Identity{ID: "admin-2", RealmRoles: []string{auth.RoleTenantAdmin}, OrganizationID: "globex"}

	resp := env.do("GET", env.base()+"/users", "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
}

func TestEmployeeIsDenied(t *testing.T) {
	env := setupTestRouter(t, 10)
	env.caller = &auth.Identity{ID: "emp-1", RealmRoles: []string{auth.RoleTenantEmployee}, OrganizationID: "acme"}

	resp := env.do("GET", env.base()+"/users", "")
	if resp.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", resp.Code)
	}
}

func TestUserLifecycle(t *testing.T) {
	env := setupTestRouter(t, 10)
	member := env.createUser(t, "sam@acme.example")
	path := env.base() + "/users/" + member.ID

	resp := env.do("PUT", path+"/roles", `{"roles": ["editor"]}`)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = env.do("GET", path, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var got provisioning.Member
	json.Unmarshal(resp.Body.Bytes(), &got)
	if len(got.ProductRoles) != 1 || got.ProductRoles[0] != "editor" {
		t.Errorf("Expected roles [editor], got %v", got.ProductRoles)
	}

	resp = env.do("POST", path+"/disable", "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.Code)
	}
	if env.idp.Users[member.ID].Enabled {
		t.Error("Expected user to be disabled")
	}

	resp = env.do("POST", path+"/enable", "")
	if resp.Code != http.StatusNoContent || !env.idp.Users[member.ID].Enabled {
		t.Errorf("Expected user to be enabled, got %d", resp.Code)
	}

	resp = env.do("DELETE", path, "")
	if resp.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.Code)
	}
	resp = env.do("GET", path, "")
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after removal, got %d", resp.Code)
	}
}

func TestInviteUser(t *testing.T) {
	env := setupTestRouter(t, 10)

	resp := env.do("POST", env.base()+"/invitations", `{"email": "new@acme.example", "role": "tenant_employee", "product_roles": ["viewer"]}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var created struct {
		Token        string   `json:"token"`
		Status       string   `json:"status"`
		Role         string   `json:"role"`
		ProductRoles []string `json:"product_roles"`
	}
	json.Unmarshal(resp.Body.Bytes(), &created)
	if len(created.Token) != 64 || created.Status != "pending" || created.Role != "tenant_employee" || len(created.ProductRoles) != 1 {
		t.Errorf("Unexpected invitation: %+v", created)
	}

	resp = env.do("GET", env.base()+"/invitations", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	if strings.Contains(resp.Body.String(), created.Token) {
		t.Error("Invitation list must not expose tokens")
	}

	tests := []struct {
		name string
		body string
	}{
		{"unknown realm role", `{"email": "new@acme.example", "role": "owner"}`},
		{"platform admin", `{"email": "new@acme.example", "role": "platform_admin"}`},
		{"unknown product role", `{"email": "new@acme.example", "role": "end_user", "product_roles": ["owner"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do("POST", env.base()+"/invitations", tt.body)
			if resp.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", resp.Code, resp.Body.String())
			}
		})
	}
}

func TestInviteTenantAdmin(t *testing.T) {
	env := setupTestRouter(t, 10)

	resp := env.do("POST", env.base()+"/invitations", `{"email": "boss@acme.example", "role": "tenant_admin"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), `"role":"tenant_admin"`) {
		t.Errorf("Expected tenant_admin invitation, got %s", resp.Body.String())
	}
}

func TestAssignableRoles(t *testing.T) {
	env := setupTestRouter(t, 10)

	resp := env.do("GET", env.base()+"/roles", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.Code)
	}
	var roles []identity.Role
	json.Unmarshal(resp.Body.Bytes(), &roles)
	if len(roles) != 2 {
		t.Errorf("Expected 2 roles, got %+v", roles)
	}
}
