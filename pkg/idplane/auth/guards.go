package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"go.uber.org/zap"
)

// Policy is the declarative access rule attached to an endpoint. Checks run
// in field order and stop at the first failure.
type Policy struct {
	// Public skips every other check.
	Public bool
	// RealmRoles, when set, must intersect the caller's realm roles.
	RealmRoles []string
	// Product and ProductRoles require one of ProductRoles on Product.
	// Platform administrators always pass.
	Product      string
	ProductRoles []string
	// TenantParam names the path parameter carrying a tenant id. When the
	// parameter is present the caller must belong to that active tenant.
	// Platform administrators always pass.
	TenantParam string
}

// TenantFinder loads tenants for the tenant-scope check.
type TenantFinder interface {
	FindTenant(ctx context.Context, id string) (*models.Tenant, error)
}

// Guards evaluates policies before handlers run.
type Guards struct {
	tenants TenantFinder
	log     *zap.SugaredLogger
}

// NewGuards creates a guard chain backed by tenants
func NewGuards(tenants TenantFinder, log *zap.SugaredLogger) *Guards {
	return &Guards{tenants: tenants, log: log}
}

// Require returns middleware enforcing p.
func (g *Guards) Require(p Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, _ := GetIdentity(c)
		var tenantID string
		if p.TenantParam != "" {
			tenantID = c.Param(p.TenantParam)
		}

		if err := g.Authorize(c.Request.Context(), p, identity, tenantID); err != nil {
			apperr.Respond(c, g.log, err)
			return
		}
		c.Next()
	}
}

// Authorize evaluates p for identity. tenantID is the value of the policy's
// tenant parameter, empty when the route has none.
func (g *Guards) Authorize(ctx context.Context, p Policy, identity *Identity, tenantID string) error {
	if p.Public {
		return nil
	}
	if identity == nil {
		metrics.GuardDenials.WithLabelValues("authentication").Inc()
		return apperr.Unauthorized("")
	}
	if err := checkRealmRoles(p, identity); err != nil {
		metrics.GuardDenials.WithLabelValues("realm_role").Inc()
		return err
	}
	if err := checkProductRoles(p, identity); err != nil {
		metrics.GuardDenials.WithLabelValues("product_role").Inc()
		g.log.Warnw("product role check failed",
			"user_id", identity.ID,
			"product", p.Product,
			"required", p.ProductRoles,
		)
		return err
	}
	if err := g.checkTenantScope(ctx, identity, tenantID); err != nil {
		metrics.GuardDenials.WithLabelValues("tenant_scope").Inc()
		return err
	}
	return nil
}

func checkRealmRoles(p Policy, identity *Identity) error {
	if len(p.RealmRoles) == 0 || identity.HasAnyRealmRole(p.RealmRoles...) {
		return nil
	}
	return apperr.Forbidden("Required roles: " + strings.Join(p.RealmRoles, ", ")).WithDetails(map[string]any{
		"required": p.RealmRoles,
		"actual":   nonNil(identity.RealmRoles),
	})
}

func checkProductRoles(p Policy, identity *Identity) error {
	if p.Product == "" || len(p.ProductRoles) == 0 {
		return nil
	}
	if identity.IsPlatformAdmin() || identity.HasAnyProductRole(p.Product, p.ProductRoles...) {
		return nil
	}
	return apperr.Forbidden("Required client roles: " + strings.Join(p.ProductRoles, ", ")).WithDetails(map[string]any{
		"product":  p.Product,
		"required": p.ProductRoles,
		"actual":   nonNil(identity.RolesFor(p.Product)),
	})
}

func (g *Guards) checkTenantScope(ctx context.Context, identity *Identity, tenantID string) error {
	if tenantID == "" || identity.IsPlatformAdmin() {
		return nil
	}

	denied := apperr.Forbidden("You do not have access to this tenant")
	tenant, err := g.tenants.FindTenant(ctx, tenantID)
	if err != nil {
		if !apperr.Is(err, apperr.KindNotFound) {
			g.log.Errorw("tenant scope lookup failed", "tenant_id", tenantID, "error", err)
		}
		return denied
	}
	// Members of a tenant that is not active are denied too.
	if !tenant.IsActive() {
		return denied.WithDetails(map[string]any{"tenant_status": tenant.Status})
	}
	if identity.OrganizationID == "" || identity.OrganizationID != tenant.Alias {
		return denied
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
