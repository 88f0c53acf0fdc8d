package tenants

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"go.uber.org/zap"
)

var (
	platformOnly = auth.Policy{RealmRoles: []string{auth.RolePlatformAdmin}}
	tenantAdmins = auth.Policy{RealmRoles: []string{auth.RolePlatformAdmin, auth.RoleTenantAdmin}}
	tenantScoped = auth.Policy{RealmRoles: []string{auth.RolePlatformAdmin, auth.RoleTenantAdmin}, TenantParam: "tid"}
)

// Handler handles tenant management requests
type Handler struct {
	orch   *provisioning.Orchestrator
	guards *auth.Guards
	log    *zap.SugaredLogger
}

// NewHandler creates a new tenants handler
func NewHandler(orch *provisioning.Orchestrator, guards *auth.Guards, log *zap.SugaredLogger) *Handler {
	return &Handler{orch: orch, guards: guards, log: log}
}

// CreateTenantRequest represents the request to onboard a tenant
type CreateTenantRequest struct {
	Name          string            `json:"name" binding:"required,min=1,max=100"`
	Alias         string            `json:"alias" binding:"required"`
	Product       string            `json:"product" binding:"required"`
	Plan          models.TenantPlan `json:"plan" binding:"omitempty,oneof=basic pro enterprise"`
	MaxUsers      int               `json:"max_users"`
	BillingEmail  string            `json:"billing_email" binding:"omitempty,email"`
	Domain        string            `json:"domain"`
	AdminEmail    string            `json:"admin_email" binding:"required,email"`
	AdminFullName string            `json:"admin_full_name" binding:"required"`
	AdminPassword string            `json:"admin_password" binding:"required,min=8"`
}

// Create onboards a new tenant with its first administrator
// @Summary Onboard tenant
// @Tags tenants
// @Accept json
// @Produce json
// @Param request body CreateTenantRequest true "Tenant details"
// @Success 201 {object} provisioning.OnboardedTenant
// @Failure 400 {object} apperr.ErrorBody
// @Failure 409 {object} apperr.ErrorBody
// @Failure 502 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /tenants [post]
func (h *Handler) Create(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	result, err := h.orch.OnboardTenant(c.Request.Context(), provisioning.TenantInput{
		Name:          req.Name,
		Alias:         req.Alias,
		Product:       req.Product,
		Plan:          req.Plan,
		MaxUsers:      req.MaxUsers,
		BillingEmail:  req.BillingEmail,
		Domain:        req.Domain,
		AdminEmail:    req.AdminEmail,
		AdminFullName: req.AdminFullName,
		AdminPassword: req.AdminPassword,
	}, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// List returns the tenants visible to the caller
// @Summary List tenants
// @Description Platform administrators see every tenant, tenant administrators only their own
// @Tags tenants
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {object} provisioning.TenantPage
// @Security BearerAuth
// @Router /tenants [get]
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	caller, _ := auth.GetIdentity(c)

	result, err := h.orch.ListTenants(c.Request.Context(), caller, page, limit)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Get returns a tenant with its member count
// @Summary Get tenant
// @Tags tenants
// @Produce json
// @Param tid path string true "Tenant ID"
// @Success 200 {object} provisioning.TenantWithMembers
// @Failure 403 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /tenants/{tid} [get]
func (h *Handler) Get(c *gin.Context) {
	tenant, err := h.orch.GetTenant(c.Request.Context(), c.Param("tid"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// Update changes tenant settings and syncs them to the organization
// @Summary Update tenant
// @Tags tenants
// @Accept json
// @Produce json
// @Param tid path string true "Tenant ID"
// @Param request body provisioning.TenantUpdate true "Fields to change"
// @Success 200 {object} models.Tenant
// @Security BearerAuth
// @Router /tenants/{tid} [put]
func (h *Handler) Update(c *gin.Context) {
	var req provisioning.TenantUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	tenant, err := h.orch.UpdateTenant(c.Request.Context(), c.Param("tid"), req, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

// Activate enables the tenant and all of its members
// @Summary Activate tenant
// @Tags tenants
// @Param tid path string true "Tenant ID"
// @Success 200 {object} map[string]string
// @Security BearerAuth
// @Router /tenants/{tid}/activate [post]
func (h *Handler) Activate(c *gin.Context) {
	if err := h.orch.ActivateTenant(c.Request.Context(), c.Param("tid"), provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.TenantStatusActive})
}

// Deactivate disables the tenant and all of its members
// @Summary Deactivate tenant
// @Tags tenants
// @Param tid path string true "Tenant ID"
// @Success 200 {object} map[string]string
// @Security BearerAuth
// @Router /tenants/{tid}/deactivate [post]
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.orch.DeactivateTenant(c.Request.Context(), c.Param("tid"), provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.TenantStatusInactive})
}

// RegisterRoutes registers tenant routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.guards.Require(platformOnly), h.Create)
	rg.GET("", h.guards.Require(tenantAdmins), h.List)
	rg.GET("/:tid", h.guards.Require(tenantScoped), h.Get)
	rg.PUT("/:tid", h.guards.Require(platformOnly), h.Update)
	rg.POST("/:tid/activate", h.guards.Require(platformOnly), h.Activate)
	rg.POST("/:tid/deactivate", h.guards.Require(platformOnly), h.Deactivate)
}
