package provisioning

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/database"
	"github.com/mikepea/idplane/pkg/idplane/gateway/gatewaytest"
	"github.com/mikepea/idplane/pkg/idplane/identity/identitytest"
	"github.com/mikepea/idplane/pkg/idplane/models"
)

type fixture struct {
	db  *gorm.DB
	idp *identitytest.Fake
	gw  *gatewaytest.Fake
	o   *Orchestrator
}

var admin = Actor{ID: "admin-1", IP: "10.0.0.1"}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	log := zap.NewNop().Sugar()
	f := &fixture{db: db, idp: identitytest.New(), gw: gatewaytest.New()}
	f.o = New(db, f.idp, f.gw, audit.NewRecorder(db, log), log, Options{
		DiscoveryURL: "http://kc:8080/realms/doer/.well-known/openid-configuration",
		Realm:        "doer",
		StepTimeout:  time.Second,
	})
	return f
}

// failWrites makes every insert into table fail with err.
func failWrites(t *testing.T, db *gorm.DB, table string, err error) {
	t.Helper()
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_"+table, func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == table {
			_ = tx.AddError(err)
		}
	}))
}

func (f *fixture) auditActions(t *testing.T) []string {
	t.Helper()
	var logs []models.AuditLog
	require.NoError(t, f.db.Order("created_at").Find(&logs).Error)
	actions := make([]string, len(logs))
	for i, l := range logs {
		actions[i] = l.Action
	}
	return actions
}

func visaInput() ProductInput {
	return ProductInput{
		Name:        "Visa",
		Slug:        "doer-visa",
		FrontendURL: "https://visa.example.com/",
		BackendHost: "visa-svc",
		BackendPort: 4000,
	}
}

func TestOnboardProduct(t *testing.T) {
	f := setupTest(t)

	product, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)
	require.NoError(t, err)

	assert.Equal(t, "doer-visa", product.PublicClientID)
	assert.Equal(t, "doer-visa-backend", product.BackendClientID)
	assert.Equal(t, "secret-doer-visa-backend", product.BackendClientSecret)
	assert.Equal(t, "product-doer-visa", product.RouteID)
	assert.Equal(t, models.ProductStatusActive, product.Status)

	public := f.idp.Clients[product.PublicClientUUID]
	assert.True(t, public.PublicClient)
	assert.False(t, public.FullScopeAllowed)
	assert.Equal(t, []string{"https://visa.example.com/callback", "https://visa.example.com/*"}, public.RedirectURIs)
	assert.Equal(t, "S256", public.Attributes["pkce.code.challenge.method"])
	assert.True(t, f.idp.Clients[product.BackendClientUUID].ServiceAccountsEnabled)

	assert.ElementsMatch(t,
		[]string{"platform_admin", "tenant_admin", "tenant_employee", "end_user"},
		f.idp.ScopeMappings[product.PublicClientUUID])
	assert.True(t, f.idp.DefaultScoped[product.PublicClientUUID])

	route, ok := f.gw.Route("product-doer-visa")
	require.True(t, ok)
	assert.Equal(t, []string{"/api/visa", "/api/visa/*"}, route.URIs)
	oidc := route.Plugins["openid-connect"].(map[string]any)
	assert.Equal(t, "secret-doer-visa-backend", oidc["client_secret"])

	var stored models.Product
	require.NoError(t, f.db.First(&stored, "slug = ?", "doer-visa").Error)
	assert.Equal(t, product.ID, stored.ID)
	assert.Equal(t, []string{"product.created"}, f.auditActions(t))
}

func TestOnboardProductDefaultsFrontend(t *testing.T) {
	f := setupTest(t)

	product, err := f.o.OnboardProduct(context.Background(), ProductInput{Name: "Tax", Slug: "doer-tax"}, admin)
	require.NoError(t, err)

	public := f.idp.Clients[product.PublicClientUUID]
	assert.Equal(t, []string{"http://localhost:3000"}, public.WebOrigins)
	assert.Empty(t, product.RouteID)
	assert.Empty(t, f.gw.CallsTo("UpsertRoute"))
}

func TestOnboardProductDuplicateSlugMakesNoExternalCalls(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.Product{Name: "Visa", Slug: "doer-visa"}).Error)

	_, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)

	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Empty(t, f.idp.Calls)
	assert.Empty(t, f.gw.Calls)
}

func TestOnboardProductRejectsBadSlug(t *testing.T) {
	f := setupTest(t)

	for _, slug := range []string{"", "a", "Visa", "-visa", "visa-", "do er", "visa--x"} {
		in := visaInput()
		in.Slug = slug
		_, err := f.o.OnboardProduct(context.Background(), in, admin)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "slug %q", slug)
	}
	assert.Empty(t, f.idp.Calls)
}

func TestOnboardProductCompensatesFailedWrite(t *testing.T) {
	f := setupTest(t)
	diskFull := errors.New("disk full")
	failWrites(t, f.db, "products", diskFull)

	_, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInternal))
	assert.ErrorIs(t, err, diskFull)

	assert.Len(t, f.idp.CallsTo("CreateClient"), 2)
	assert.Len(t, f.idp.CallsTo("DeleteClient"), 2)
	assert.Empty(t, f.idp.Clients)
	assert.Equal(t, []string{"DeleteRoute:product-doer-visa"}, f.gw.CallsTo("DeleteRoute"))
	assert.Empty(t, f.auditActions(t))
}

func TestOnboardProductConcurrentSlugIsConflict(t *testing.T) {
	f := setupTest(t)
	failWrites(t, f.db, "products", gorm.ErrDuplicatedKey)

	_, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)

	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Empty(t, f.idp.Clients)
}

func TestOnboardProductCompensationFailureKeepsOriginalError(t *testing.T) {
	f := setupTest(t)
	f.idp.Fail["GetClientSecret"] = apperr.Unavailable("keycloak", errors.New("timeout"))
	f.idp.Fail["DeleteClient"] = errors.New("keycloak down")

	_, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)

	assert.True(t, apperr.Is(err, apperr.KindUnavailable))
	assert.Len(t, f.idp.CallsTo("DeleteClient"), 2)
}

func TestOnboardProductBackendClientFailureDeletesPublicClient(t *testing.T) {
	f := setupTest(t)
	// The backend client id is taken; the public client create succeeds.
	_, _ = f.idp.CreateClient(context.Background(), identityClient("doer-visa-backend"))
	f.idp.Calls = nil

	_, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)

	assert.True(t, apperr.Is(err, apperr.KindConflict))
	deletes := f.idp.CallsTo("DeleteClient")
	require.Len(t, deletes, 1)
	var count int64
	f.db.Model(&models.Product{}).Count(&count)
	assert.Zero(t, count)
}

func TestOnboardProductOptionalStepsAreBestEffort(t *testing.T) {
	f := setupTest(t)
	f.gw.Fail["UpsertRoute"] = apperr.Unavailable("apisix", errors.New("connection refused"))
	f.idp.Fail["MoveOrganizationScopeToDefault"] = apperr.NotFound("Client scope", "organization")

	product, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)

	require.NoError(t, err)
	assert.Empty(t, product.RouteID)
	assert.Empty(t, f.idp.CallsTo("DeleteClient"))
}

func TestOnboardProductWithRolesAndDefaultRole(t *testing.T) {
	f := setupTest(t)
	in := visaInput()
	in.Permissions = []Permission{{Name: "apply_visa"}, {Name: "view_status"}, {Name: "approve"}}
	in.Roles = []RoleBundle{{Name: "applicant", Permissions: []string{"apply_visa", "view_status"}}}
	in.DefaultRole = "applicant"

	product, err := f.o.OnboardProduct(context.Background(), in, admin)
	require.NoError(t, err)

	roles, err := f.o.ListProductRoles(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Len(t, roles, 4)

	composites := f.idp.Composites[product.PublicClientUUID+"/applicant"]
	assert.ElementsMatch(t, []string{"apply_visa", "view_status"}, names(composites))
	assert.Contains(t, f.idp.ScopeMappings[product.PublicClientUUID], "applicant")

	var cfg models.RegistrationConfig
	require.NoError(t, f.db.First(&cfg, "product = ?", "doer-visa").Error)
	assert.Equal(t, []string{"applicant"}, cfg.DefaultClientRoles)
	assert.Equal(t, "end_user", cfg.DefaultRealmRole)
	assert.True(t, cfg.SelfRegistrationEnabled)
}

func TestUpdateAndDeactivateProduct(t *testing.T) {
	f := setupTest(t)
	product, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)
	require.NoError(t, err)

	name := "Visa Services"
	updated, err := f.o.UpdateProduct(context.Background(), product.ID, ProductUpdate{Name: &name}, admin)
	require.NoError(t, err)
	assert.Equal(t, "Visa Services", updated.Name)
	assert.Equal(t, "doer-visa", updated.Slug)

	deactivated, err := f.o.DeactivateProduct(context.Background(), product.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, models.ProductStatusInactive, deactivated.Status)

	route, _ := f.gw.Route("product-doer-visa")
	assert.False(t, route.Enabled())
	assert.Equal(t, []string{"product.created", "product.updated", "product.deactivated"}, f.auditActions(t))
}

func TestToggleAndUpdateRoute(t *testing.T) {
	f := setupTest(t)
	product, err := f.o.OnboardProduct(context.Background(), visaInput(), admin)
	require.NoError(t, err)

	enabled, err := f.o.ToggleProductRoute(context.Background(), product.ID, admin)
	require.NoError(t, err)
	assert.False(t, enabled)
	enabled, err = f.o.ToggleProductRoute(context.Background(), product.ID, admin)
	require.NoError(t, err)
	assert.True(t, enabled)

	route, err := f.o.UpdateProductRoute(context.Background(), product.ID, map[string]any{
		"upstream": map[string]any{"type": "roundrobin", "nodes": map[string]any{"visa-v2:4000": 1}},
	}, admin)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"visa-v2:4000": 1}, route.Upstream.Nodes)
	assert.Contains(t, route.Plugins, "openid-connect")
}

func TestToggleRouteWithoutRoute(t *testing.T) {
	f := setupTest(t)
	product, err := f.o.OnboardProduct(context.Background(), ProductInput{Name: "Tax", Slug: "doer-tax"}, admin)
	require.NoError(t, err)

	_, err = f.o.ToggleProductRoute(context.Background(), product.ID, admin)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestAddRoleCompositesRejectsUnknownRoles(t *testing.T) {
	f := setupTest(t)
	in := visaInput()
	in.Permissions = []Permission{{Name: "apply_visa"}}
	product, err := f.o.OnboardProduct(context.Background(), in, admin)
	require.NoError(t, err)

	err = f.o.AddRoleComposites(context.Background(), product.ID, "apply_visa", []string{"apply_visa", "ghost"}, admin)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestActorOfDistinguishesServiceAccounts(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		username string
		want     models.ActorType
	}{
		{"jane", models.ActorUser},
		{"service-account-doer-visa-backend", models.ActorService},
	}
	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("POST", "/api/tenants", nil)
			c.Set(auth.ContextKeyIdentity, &auth.Identity{ID: "u-1", Username: tt.username})

			actor := ActorOf(c)
			assert.Equal(t, "u-1", actor.ID)
			assert.Equal(t, tt.want, actor.Type)
			assert.NotEmpty(t, actor.IP)
		})
	}
}
