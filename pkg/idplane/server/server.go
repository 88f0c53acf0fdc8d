// Package server assembles the idplane HTTP API.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/gateway"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"github.com/mikepea/idplane/pkg/idplane/middleware"
	"github.com/mikepea/idplane/pkg/idplane/platform"
	"github.com/mikepea/idplane/pkg/idplane/products"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"github.com/mikepea/idplane/pkg/idplane/registration"
	"github.com/mikepea/idplane/pkg/idplane/tenants"
	"github.com/mikepea/idplane/pkg/idplane/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	platformAdmins = auth.Policy{RealmRoles: []string{auth.RolePlatformAdmin}}
	publicAccess   = auth.Policy{Public: true}
)

// auditReaders admits holders of the audit role on the control-plane client.
// Platform administrators always pass; without a client only they do.
func auditReaders(client string) auth.Policy {
	if client == "" {
		return platformAdmins
	}
	return auth.Policy{Product: client, ProductRoles: []string{auth.RoleAuditViewer}}
}

// Deps are the collaborators the API is built from.
type Deps struct {
	DB        *gorm.DB
	Identity  identity.Client
	Gateway   gateway.Client
	Extractor auth.Extractor
	Sessions  *registration.Sessions
	// Notifier delivers password-reset codes. Nil logs them.
	Notifier registration.Notifier
	Log      *zap.SugaredLogger
	Options  provisioning.Options
	// ControlPlaneClient is the identity-provider client carrying
	// control-plane roles such as audit_viewer.
	ControlPlaneClient string

	// RateLimitRPS and RateLimitBurst throttle the public /auth endpoints per client IP.
	RateLimitRPS   float64
	RateLimitBurst int
}

// New builds the router with every route group registered.
func New(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.Logger(d.Log), metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "idplane"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	rec := audit.NewRecorder(d.DB, d.Log)
	orch := provisioning.New(d.DB, d.Identity, d.Gateway, rec, d.Log, d.Options)
	guards := auth.NewGuards(orch, d.Log)

	// Public account endpoints
	svc := registration.NewService(d.DB, orch, d.Identity, rec, d.Notifier, nil, d.Log)
	authGroup := r.Group("/auth",
		middleware.RateLimit(d.RateLimitRPS, d.RateLimitBurst),
		auth.Authenticate(d.Extractor),
		guards.Require(publicAccess),
	)
	registration.NewHandler(svc, orch, d.Sessions, d.Log).RegisterRoutes(authGroup)

	api := r.Group("/api", auth.Authenticate(d.Extractor))
	{
		products.NewHandler(orch, d.Log).RegisterRoutes(api.Group("/admin/products", guards.Require(platformAdmins)))

		tenantGroup := api.Group("/tenants")
		tenants.NewHandler(orch, guards, d.Log).RegisterRoutes(tenantGroup)
		users.NewHandler(orch, guards, d.Log).RegisterRoutes(tenantGroup)

		ph := platform.NewHandler(d.DB, d.Identity, rec, d.Log)
		ph.RegisterRoutes(api.Group("/platform", guards.Require(platformAdmins)))
		ph.RegisterAuditRoutes(api.Group("/platform", guards.Require(auditReaders(d.ControlPlaneClient))))
	}

	return r
}
