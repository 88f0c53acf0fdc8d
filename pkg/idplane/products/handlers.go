package products

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"github.com/mikepea/idplane/pkg/idplane/routes"
	"go.uber.org/zap"
)

// Handler handles product administration requests
type Handler struct {
	orch *provisioning.Orchestrator
	log  *zap.SugaredLogger
}

// NewHandler creates a new products handler
func NewHandler(orch *provisioning.Orchestrator, log *zap.SugaredLogger) *Handler {
	return &Handler{orch: orch, log: log}
}

// CreateProductRequest represents the request to onboard a product
type CreateProductRequest struct {
	Name        string                    `json:"name" binding:"required,min=1,max=100"`
	Slug        string                    `json:"slug" binding:"required"`
	Description string                    `json:"description"`
	FrontendURL string                    `json:"frontend_url" binding:"omitempty,url"`
	BackendHost string                    `json:"backend_host"`
	BackendPort int                       `json:"backend_port" binding:"omitempty,min=1,max=65535"`
	Permissions []provisioning.Permission `json:"permissions" binding:"dive"`
	Roles       []provisioning.RoleBundle `json:"roles" binding:"dive"`
	DefaultRole string                    `json:"default_role"`
}

// CreateRoleRequest represents the request to create a product role
type CreateRoleRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CompositesRequest lists the roles to bundle into a composite role
type CompositesRequest struct {
	Roles []string `json:"roles" binding:"required,min=1"`
}

// Create onboards a new product
// @Summary Onboard product
// @Description Create the product's identity clients, roles and gateway route
// @Tags products
// @Accept json
// @Produce json
// @Param request body CreateProductRequest true "Product details"
// @Success 201 {object} models.Product
// @Failure 400 {object} apperr.ErrorBody
// @Failure 409 {object} apperr.ErrorBody
// @Failure 502 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /admin/products [post]
func (h *Handler) Create(c *gin.Context) {
	var req CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	product, err := h.orch.OnboardProduct(c.Request.Context(), provisioning.ProductInput{
		Name:        req.Name,
		Slug:        req.Slug,
		Description: req.Description,
		FrontendURL: req.FrontendURL,
		BackendHost: req.BackendHost,
		BackendPort: req.BackendPort,
		Permissions: req.Permissions,
		Roles:       req.Roles,
		DefaultRole: req.DefaultRole,
	}, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, product)
}

// List returns all products
// @Summary List products
// @Tags products
// @Produce json
// @Success 200 {array} models.Product
// @Security BearerAuth
// @Router /admin/products [get]
func (h *Handler) List(c *gin.Context) {
	products, err := h.orch.ListProducts(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

// Get returns a single product
// @Summary Get product
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} models.Product
// @Failure 404 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /admin/products/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	product, err := h.orch.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// Update changes product metadata
// @Summary Update product
// @Tags products
// @Accept json
// @Produce json
// @Param id path string true "Product ID"
// @Param request body provisioning.ProductUpdate true "Fields to change"
// @Success 200 {object} models.Product
// @Security BearerAuth
// @Router /admin/products/{id} [put]
func (h *Handler) Update(c *gin.Context) {
	var req provisioning.ProductUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	product, err := h.orch.UpdateProduct(c.Request.Context(), c.Param("id"), req, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// Deactivate marks a product inactive and disables its route
// @Summary Deactivate product
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} models.Product
// @Security BearerAuth
// @Router /admin/products/{id} [delete]
func (h *Handler) Deactivate(c *gin.Context) {
	product, err := h.orch.DeactivateProduct(c.Request.Context(), c.Param("id"), provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// ListRoles returns the product's client roles
// @Summary List product roles
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {array} identity.Role
// @Security BearerAuth
// @Router /admin/products/{id}/roles [get]
func (h *Handler) ListRoles(c *gin.Context) {
	roles, err := h.orch.ListProductRoles(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

// CreateRole adds a client role to the product
// @Summary Create product role
// @Tags products
// @Accept json
// @Param id path string true "Product ID"
// @Param request body CreateRoleRequest true "Role"
// @Success 201
// @Security BearerAuth
// @Router /admin/products/{id}/roles [post]
func (h *Handler) CreateRole(c *gin.Context) {
	var req CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	role := identity.Role{Name: req.Name, Description: req.Description}
	if err := h.orch.CreateProductRole(c.Request.Context(), c.Param("id"), role, provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, role)
}

// DeleteRole removes a client role from the product
// @Summary Delete product role
// @Tags products
// @Param id path string true "Product ID"
// @Param role path string true "Role name"
// @Success 204
// @Security BearerAuth
// @Router /admin/products/{id}/roles/{role} [delete]
func (h *Handler) DeleteRole(c *gin.Context) {
	if err := h.orch.DeleteProductRole(c.Request.Context(), c.Param("id"), c.Param("role"), provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AddComposites bundles existing roles into a composite role
// @Summary Add composite roles
// @Tags products
// @Accept json
// @Param id path string true "Product ID"
// @Param role path string true "Role name"
// @Param request body CompositesRequest true "Roles to bundle"
// @Success 204
// @Security BearerAuth
// @Router /admin/products/{id}/roles/{role}/composites [post]
func (h *Handler) AddComposites(c *gin.Context) {
	var req CompositesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	if err := h.orch.AddRoleComposites(c.Request.Context(), c.Param("id"), c.Param("role"), req.Roles, provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListComposites returns the roles bundled into a composite role
// @Summary List composite roles
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Param role path string true "Role name"
// @Success 200 {array} identity.Role
// @Security BearerAuth
// @Router /admin/products/{id}/roles/{role}/composites [get]
func (h *Handler) ListComposites(c *gin.Context) {
	roles, err := h.orch.ListRoleComposites(c.Request.Context(), c.Param("id"), c.Param("role"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

// GetRoute returns the product's live gateway route
// @Summary Get product route
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} gateway.Route
// @Failure 404 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /admin/products/{id}/route [get]
func (h *Handler) GetRoute(c *gin.Context) {
	route, err := h.orch.GetProductRoute(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	if route == nil {
		apperr.Respond(c, h.log, apperr.NotFound("Gateway route for product", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, routes.Redact(route))
}

// UpdateRoute applies overrides on top of the product's generated route
// @Summary Update product route
// @Tags products
// @Accept json
// @Produce json
// @Param id path string true "Product ID"
// @Param request body object true "Route fields to override"
// @Success 200 {object} gateway.Route
// @Security BearerAuth
// @Router /admin/products/{id}/route [put]
func (h *Handler) UpdateRoute(c *gin.Context) {
	var overrides map[string]any
	if err := c.ShouldBindJSON(&overrides); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	route, err := h.orch.UpdateProductRoute(c.Request.Context(), c.Param("id"), overrides, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, routes.Redact(route))
}

// ToggleRoute enables or disables the product's route
// @Summary Toggle product route
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} map[string]bool
// @Security BearerAuth
// @Router /admin/products/{id}/route/toggle [patch]
func (h *Handler) ToggleRoute(c *gin.Context) {
	enabled, err := h.orch.ToggleProductRoute(c.Request.Context(), c.Param("id"), provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

// ListTenants returns the tenants subscribed to the product
// @Summary List product tenants
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {array} models.Tenant
// @Security BearerAuth
// @Router /admin/products/{id}/tenants [get]
func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.orch.ProductTenants(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tenants)
}

// RegisterRoutes registers product routes on the given router group.
// The group is expected to be restricted to platform administrators.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.Create)
	rg.GET("", h.List)
	rg.GET("/:id", h.Get)
	rg.PUT("/:id", h.Update)
	rg.DELETE("/:id", h.Deactivate)
	rg.GET("/:id/roles", h.ListRoles)
	rg.POST("/:id/roles", h.CreateRole)
	rg.DELETE("/:id/roles/:role", h.DeleteRole)
	rg.GET("/:id/roles/:role/composites", h.ListComposites)
	rg.POST("/:id/roles/:role/composites", h.AddComposites)
	rg.GET("/:id/route", h.GetRoute)
	rg.PUT("/:id/route", h.UpdateRoute)
	rg.PATCH("/:id/route/toggle", h.ToggleRoute)
	rg.GET("/:id/tenants", h.ListTenants)
}
