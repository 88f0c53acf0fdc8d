package users

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"go.uber.org/zap"
)

var tenantAdmins = auth.Policy{
	RealmRoles:  []string{auth.RolePlatformAdmin, auth.RoleTenantAdmin},
	TenantParam: "tid",
}

// Handler handles user management inside a tenant
type Handler struct {
	orch   *provisioning.Orchestrator
	guards *auth.Guards
	log    *zap.SugaredLogger
}

// NewHandler creates a new users handler
func NewHandler(orch *provisioning.Orchestrator, guards *auth.Guards, log *zap.SugaredLogger) *Handler {
	return &Handler{orch: orch, guards: guards, log: log}
}

// CreateUserRequest represents the request to create a tenant user
type CreateUserRequest struct {
	Email        string   `json:"email" binding:"required,email"`
	FirstName    string   `json:"first_name" binding:"required"`
	LastName     string   `json:"last_name"`
	Phone        string   `json:"phone"`
	Password     string   `json:"password" binding:"omitempty,min=8"`
	TenantAdmin  bool     `json:"tenant_admin"`
	ProductRoles []string `json:"product_roles"`
}

// RolesRequest replaces a user's product roles
type RolesRequest struct {
	Roles []string `json:"roles" binding:"required"`
}

// InviteRequest represents the request to invite someone into the tenant
type InviteRequest struct {
	Email          string   `json:"email" binding:"required,email"`
	Role           string   `json:"role" binding:"required,oneof=end_user tenant_employee tenant_admin"`
	ProductRoles   []string `json:"product_roles"`
	ExpiresInHours int      `json:"expires_in_hours" binding:"omitempty,min=1,max=720"`
}

// Create adds a new user to the tenant
// @Summary Create tenant user
// @Tags users
// @Accept json
// @Produce json
// @Param tid path string true "Tenant ID"
// @Param request body CreateUserRequest true "User details"
// @Success 201 {object} provisioning.Member
// @Failure 403 {object} apperr.ErrorBody "Tenant user limit reached"
// @Failure 409 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /tenants/{tid}/users [post]
func (h *Handler) Create(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	in := provisioning.MemberInput{
		Email:             req.Email,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Phone:             req.Phone,
		Password:          req.Password,
		TemporaryPassword: true,
		ProductRoles:      req.ProductRoles,
	}
	if req.TenantAdmin {
		in.RealmRole = auth.RoleTenantAdmin
	}

	member, err := h.orch.AddTenantMember(c.Request.Context(), c.Param("tid"), in, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

// List returns the tenant's members
// @Summary List tenant users
// @Tags users
// @Produce json
// @Param tid path string true "Tenant ID"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {array} identity.User
// @Security BearerAuth
// @Router /tenants/{tid}/users [get]
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	users, err := h.orch.ListTenantMembers(c.Request.Context(), c.Param("tid"), page, limit)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

// Get returns a tenant user with its product roles
// @Summary Get tenant user
// @Tags users
// @Produce json
// @Param tid path string true "Tenant ID"
// @Param uid path string true "User ID"
// @Success 200 {object} provisioning.Member
// @Failure 404 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /tenants/{tid}/users/{uid} [get]
func (h *Handler) Get(c *gin.Context) {
	member, err := h.orch.GetTenantMember(c.Request.Context(), c.Param("tid"), c.Param("uid"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

// ReplaceRoles sets the user's product roles
// @Summary Replace user roles
// @Tags users
// @Accept json
// @Param tid path string true "Tenant ID"
// @Param uid path string true "User ID"
// @Param request body RolesRequest true "Complete role set"
// @Success 204
// @Security BearerAuth
// @Router /tenants/{tid}/users/{uid}/roles [put]
func (h *Handler) ReplaceRoles(c *gin.Context) {
	var req RolesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	if err := h.orch.ReplaceMemberRoles(c.Request.Context(), c.Param("tid"), c.Param("uid"), req.Roles, provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Disable blocks the user from signing in
// @Summary Disable tenant user
// @Tags users
// @Param tid path string true "Tenant ID"
// @Param uid path string true "User ID"
// @Success 204
// @Security BearerAuth
// @Router /tenants/{tid}/users/{uid}/disable [post]
func (h *Handler) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

// Enable lets a disabled user sign in again
// @Summary Enable tenant user
// @Tags users
// @Param tid path string true "Tenant ID"
// @Param uid path string true "User ID"
// @Success 204
// @Security BearerAuth
// @Router /tenants/{tid}/users/{uid}/enable [post]
func (h *Handler) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	if err := h.orch.SetMemberEnabled(c.Request.Context(), c.Param("tid"), c.Param("uid"), enabled, provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Remove takes the user out of the tenant
// @Summary Remove tenant user
// @Tags users
// @Param tid path string true "Tenant ID"
// @Param uid path string true "User ID"
// @Success 204
// @Security BearerAuth
// @Router /tenants/{tid}/users/{uid} [delete]
func (h *Handler) Remove(c *gin.Context) {
	if err := h.orch.RemoveTenantMember(c.Request.Context(), c.Param("tid"), c.Param("uid"), provisioning.ActorOf(c)); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Invite creates an invitation into the tenant
// @Summary Invite user
// @Tags users
// @Accept json
// @Produce json
// @Param tid path string true "Tenant ID"
// @Param request body InviteRequest true "Invitation"
// @Success 201 {object} provisioning.CreatedInvitation
// @Security BearerAuth
// @Router /tenants/{tid}/invitations [post]
func (h *Handler) Invite(c *gin.Context) {
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	inv, err := h.orch.CreateInvitation(c.Request.Context(), c.Param("tid"), provisioning.InvitationInput{
		Email:        req.Email,
		Role:         req.Role,
		ProductRoles: req.ProductRoles,
		TTL:          time.Duration(req.ExpiresInHours) * time.Hour,
	}, provisioning.ActorOf(c))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

// ListInvitations returns the tenant's invitations
// @Summary List invitations
// @Tags users
// @Produce json
// @Param tid path string true "Tenant ID"
// @Success 200 {array} models.Invitation
// @Security BearerAuth
// @Router /tenants/{tid}/invitations [get]
func (h *Handler) ListInvitations(c *gin.Context) {
	invitations, err := h.orch.ListInvitations(c.Request.Context(), c.Param("tid"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, invitations)
}

// AssignableRoles lists the product roles the tenant can grant
// @Summary List assignable roles
// @Tags users
// @Produce json
// @Param tid path string true "Tenant ID"
// @Success 200 {array} identity.Role
// @Security BearerAuth
// @Router /tenants/{tid}/roles [get]
func (h *Handler) AssignableRoles(c *gin.Context) {
	roles, err := h.orch.AssignableRoles(c.Request.Context(), c.Param("tid"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, roles)
}

// RegisterRoutes registers tenant user routes on the /tenants group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/:tid", h.guards.Require(tenantAdmins))
	g.POST("/users", h.Create)
	g.GET("/users", h.List)
	g.GET("/users/:uid", h.Get)
	g.PUT("/users/:uid/roles", h.ReplaceRoles)
	g.POST("/users/:uid/disable", h.Disable)
	g.POST("/users/:uid/enable", h.Enable)
	g.DELETE("/users/:uid", h.Remove)
	g.POST("/invitations", h.Invite)
	g.GET("/invitations", h.ListInvitations)
	g.GET("/roles", h.AssignableRoles)
}
