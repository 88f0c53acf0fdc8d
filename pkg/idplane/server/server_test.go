package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/database"
	"github.com/mikepea/idplane/pkg/idplane/gateway/gatewaytest"
	"github.com/mikepea/idplane/pkg/idplane/identity/identitytest"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"github.com/mikepea/idplane/pkg/idplane/registration"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	router *gin.Engine
	idp    *identitytest.Fake
	gw     *gatewaytest.Fake
}

// setupFullServer mirrors the wiring in cmd/idplane-server with in-memory
// identity provider and gateway.
func setupFullServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)
	s := &testServer{idp: identitytest.New(), gw: gatewaytest.New()}
	s.router = New(Deps{
		DB:        mustDB(t),
		Identity:  s.idp,
		Gateway:   s.gw,
		Extractor: auth.UnverifiedExtractor{},
		Sessions:  registration.NewSessions("http://127.0.0.1:0/realms/doer", nil),
		Log:       zap.NewNop().Sugar(),
		Options: provisioning.Options{
			DiscoveryURL: "http://kc:8080/realms/doer/.well-known/openid-configuration",
			Realm:        "doer",
			StepTimeout:  time.Second,
		},
		ControlPlaneClient: "doer-auth-svc",
		RateLimitRPS:       100,
		RateLimitBurst:     100,
	})
	return s
}

func bearer(t *testing.T, sub, role, org string) string {
	claims := jwt.MapClaims{
		"sub":          sub,
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

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupFullServer(t)

	w := s.do("GET", "/health", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ok") {
		t.Errorf("Expected healthy response, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("Expected X-Request-Id on every response")
	}

	w = s.do("GET", "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 from /metrics, got %d", w.Code)
	}
}

func TestAdminRoutesRequireAuthentication(t *testing.T) {
	s := setupFullServer(t)

	paths := []string{"/api/admin/products", "/api/tenants", "/api/platform/stats"}
	for _, path := range paths {
		if w := s.do("GET", path, "", ""); w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status 401 for %s, got %d", path, w.Code)
		}
	}

	employee := bearer(t, "emp-1", auth.RoleTenantEmployee, "acme")
	for _, path := range []string{"/api/admin/products", "/api/platform/stats"} {
		if w := s.do("GET", path, employee, ""); w.Code != http.StatusForbidden {
			t.Errorf("Expected status 403 for %s, got %d", path, w.Code)
		}
	}
}

func TestOnboardingEndToEnd(t *testing.T) {
	s := setupFullServer(t)
	admin := bearer(t, "admin-1", auth.RolePlatformAdmin, "")

	w := s.do("POST", "/api/admin/products", admin, `{
		"name": "Visa",
		"slug": "doer-visa",
		"frontend_url": "https://visa.example.com",
		"backend_host": "visa-svc",
		"backend_port": 4000,
		"permissions": [{"name": "view_applications"}, {"name": "apply_visa"}]
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating product, got %d: %s", w.Code, w.Body.String())
	}
	if len(s.gw.Routes) != 1 {
		t.Errorf("Expected one gateway route, got %d", len(s.gw.Routes))
	}

	w = s.do("POST", "/api/tenants", admin, `{
		"name": "Acme Corp",
		"alias": "acme",
		"product": "doer-visa",
		"max_users": 5,
		"admin_email": "jane@acme.example",
		"admin_full_name": "Jane Doe",
		"admin_password": "S3cure!pass"
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating tenant, got %d: %s", w.Code, w.Body.String())
	}
	var onboarded provisioning.OnboardedTenant
	if err := json.Unmarshal(w.Body.Bytes(), &onboarded); err != nil {
		t.Fatalf("Failed to parse tenant: %v", err)
	}
	tid := onboarded.Tenant.ID

	tenantAdmin := bearer(t, onboarded.AdminUserID, auth.RoleTenantAdmin, "acme")
	w = s.do("POST", "/api/tenants/"+tid+"/users", tenantAdmin, `{"email": "sam@acme.example", "first_name": "Sam", "product_roles": ["view_applications"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating user, got %d: %s", w.Code, w.Body.String())
	}

	outsider := bearer(t, "other-admin", auth.RoleTenantAdmin, "globex")
	if w := s.do("GET", "/api/tenants/"+tid+"/users", outsider, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for another tenant's admin, got %d", w.Code)
	}

	w = s.do("GET", "/api/tenants/"+tid, tenantAdmin, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"member_count":2`) {
		t.Errorf("Expected tenant with 2 members, got %d: %s", w.Code, w.Body.String())
	}

	w = s.do("GET", "/api/platform/stats", admin, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for stats, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"total_tenants":1`) {
		t.Errorf("Expected one tenant in stats, got %s", w.Body.String())
	}

	w = s.do("GET", "/api/platform/audit-logs?tenant_id="+tid, admin, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "user.created") {
		t.Errorf("Expected user.created in tenant audit log, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPublicAuthRoutesAreRateLimited(t *testing.T) {
	s := setupFullServer(t)
	s.router = New(Deps{
		DB:             mustDB(t),
		Identity:       s.idp,
		Gateway:        s.gw,
		Extractor:      auth.UnverifiedExtractor{},
		Sessions:       registration.NewSessions("http://127.0.0.1:0/realms/doer", nil),
		Log:            zap.NewNop().Sugar(),
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
	})

	w := s.do("GET", "/auth/invite/missing", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", w.Code)
	}
	w = s.do("GET", "/auth/invite/missing", "", "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", w.Code)
	}

	// Routes outside /auth are not throttled.
	if w := s.do("GET", "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("Expected /health to stay available, got %d", w.Code)
	}
}

func TestPublicAuthRoutesAcceptAnyCaller(t *testing.T) {
	s := setupFullServer(t)

	tokens := map[string]string{
		"anonymous":     "",
		"garbage token": "not-a-jwt",
		"employee":      bearer(t, "emp-1", auth.RoleTenantEmployee, "acme"),
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			if w := s.do("GET", "/auth/invite/missing", token, ""); w.Code != http.StatusNotFound {
				t.Errorf("Expected status 404, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAuditLogsAllowAuditViewers(t *testing.T) {
	s := setupFullServer(t)

	viewerClaims := jwt.MapClaims{
		"sub":             "auditor-1",
		"realm_access":    map[string]any{"roles": []string{auth.RoleTenantEmployee}},
		"resource_access": map[string]any{"doer-auth-svc": map[string]any{"roles": []string{auth.RoleAuditViewer}}},
	}
	viewer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, viewerClaims).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if w := s.do("GET", "/api/platform/audit-logs", viewer, ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for audit viewer, got %d: %s", w.Code, w.Body.String())
	}
	if w := s.do("GET", "/api/platform/stats", viewer, ""); w.Code != http.StatusForbidden {
		t.Errorf("Expected audit viewer to be denied stats, got %d", w.Code)
	}

	admin := bearer(t, "admin-1", auth.RolePlatformAdmin, "")
	if w := s.do("GET", "/api/platform/audit-logs", admin, ""); w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for platform admin, got %d", w.Code)
	}

	employee := bearer(t, "emp-1", auth.RoleTenantEmployee, "acme")
	w := s.do("GET", "/api/platform/audit-logs", employee, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403 for employee, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), auth.RoleAuditViewer) {
		t.Errorf("Expected required role in denial, got %s", w.Body.String())
	}
}

func TestAuditLogsFallBackToPlatformAdmins(t *testing.T) {
	if got := auditReaders(""); got.Product != "" || len(got.RealmRoles) == 0 {
		t.Errorf("Expected platform admin policy without a control-plane client, got %+v", got)
	}
}

func mustDB(t *testing.T) *gorm.DB {
	db, err := database.Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}
