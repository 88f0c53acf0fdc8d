package registration

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/provisioning"
	"go.uber.org/zap"
)

// Handler handles the public account endpoints
type Handler struct {
	svc      *Service
	orch     *provisioning.Orchestrator
	sessions *Sessions
	log      *zap.SugaredLogger
}

// NewHandler creates a new registration handler
func NewHandler(svc *Service, orch *provisioning.Orchestrator, sessions *Sessions, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, orch: orch, sessions: sessions, log: log}
}

// RegisterRequest represents the self-registration request body
type RegisterRequest struct {
	Product     string `json:"product" binding:"required,max=100"`
	TenantAlias string `json:"tenant_alias" binding:"omitempty,max=64"`
	Email       string `json:"email" binding:"required,email,max=255"`
	Phone       string `json:"phone" binding:"required,e164"`
	Password    string `json:"password" binding:"required,min=8,max=128"`
	FullName    string `json:"full_name" binding:"required,max=255"`
}

// AcceptInviteRequest represents the request to accept an invitation
type AcceptInviteRequest struct {
	Token    string `json:"token" binding:"required,max=256"`
	FullName string `json:"full_name" binding:"required,max=255"`
	Phone    string `json:"phone" binding:"required,e164"`
	Password string `json:"password" binding:"required,min=8,max=128"`
}

// InvitationResponse describes a pending invitation to the invitee
type InvitationResponse struct {
	TenantName   string    `json:"tenant_name"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	ProductRoles []string  `json:"product_roles"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// TokenRequest represents an authorization code exchange
type TokenRequest struct {
	Code         string `json:"code" binding:"required"`
	CodeVerifier string `json:"code_verifier" binding:"required"`
	RedirectURI  string `json:"redirect_uri" binding:"required,url"`
	ClientID     string `json:"client_id" binding:"required"`
}

// RefreshRequest carries a refresh token for refresh and logout
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	ClientID     string `json:"client_id" binding:"required"`
}

// ForgotPasswordRequest starts password recovery
type ForgotPasswordRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Product    string `json:"product" binding:"required"`
}

// ResetPasswordRequest completes phone-based password recovery
type ResetPasswordRequest struct {
	Phone       string `json:"phone" binding:"required,e164"`
	OTP         string `json:"otp" binding:"required,len=6,numeric"`
	NewPassword string `json:"new_password" binding:"required,min=8,max=128"`
}

// Register handles self-registration
// @Summary Register a new user
// @Description Create an account on a product that allows self-registration
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration details"
// @Success 201 {object} map[string]string
// @Failure 400 {object} apperr.ErrorBody
// @Failure 409 {object} apperr.ErrorBody "Email already registered"
// @Router /auth/register [post]
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}
	if err := checkPasswordStrength(req.Password); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}

	userID, err := h.svc.Register(c.Request.Context(), Registration{
		Product:     req.Product,
		TenantAlias: req.TenantAlias,
		Email:       req.Email,
		Phone:       req.Phone,
		Password:    req.Password,
		FullName:    req.FullName,
	}, c.ClientIP())
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": userID})
}

// GetInvitation returns a pending invitation
// @Summary Get invitation
// @Tags auth
// @Produce json
// @Param token path string true "Invitation token"
// @Success 200 {object} InvitationResponse
// @Failure 404 {object} apperr.ErrorBody
// @Failure 410 {object} apperr.ErrorBody "Invitation expired"
// @Router /auth/invite/{token} [get]
func (h *Handler) GetInvitation(c *gin.Context) {
	inv, err := h.orch.GetInvitation(c.Request.Context(), c.Param("token"))
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, InvitationResponse{
		TenantName:   inv.Tenant.Name,
		Email:        inv.Email,
		Role:         inv.Role,
		ProductRoles: inv.ProductRoles,
		ExpiresAt:    inv.ExpiresAt,
	})
}

// AcceptInvitation creates the invitee's account
// @Summary Accept invitation
// @Tags auth
// @Accept json
// @Produce json
// @Param request body AcceptInviteRequest true "Account details"
// @Success 201 {object} map[string]string
// @Failure 403 {object} apperr.ErrorBody "Tenant user limit reached"
// @Failure 409 {object} apperr.ErrorBody "Invitation is being accepted"
// @Failure 410 {object} apperr.ErrorBody "Invitation expired"
// @Router /auth/accept-invite [post]
func (h *Handler) AcceptInvitation(c *gin.Context) {
	var req AcceptInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}
	if err := checkPasswordStrength(req.Password); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}

	first, last := provisioning.SplitName(req.FullName)
	member, err := h.orch.AcceptInvitation(c.Request.Context(), provisioning.AcceptInput{
		Token:     req.Token,
		FirstName: first,
		LastName:  last,
		Phone:     req.Phone,
		Password:  req.Password,
	}, c.ClientIP())
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": member.ID})
}

// Token exchanges an authorization code for tokens
// @Summary Exchange authorization code
// @Tags auth
// @Accept json
// @Produce json
// @Param request body TokenRequest true "Code and PKCE verifier"
// @Success 200 {object} TokenResponse
// @Failure 401 {object} apperr.ErrorBody
// @Router /auth/token [post]
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	tok, err := h.sessions.Exchange(c.Request.Context(), req.Code, req.CodeVerifier, req.RedirectURI, req.ClientID)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// Refresh renews a token pair
// @Summary Refresh tokens
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RefreshRequest true "Refresh token"
// @Success 200 {object} TokenResponse
// @Failure 401 {object} apperr.ErrorBody
// @Router /auth/refresh [post]
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	tok, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken, req.ClientID)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

// Logout revokes a refresh token
// @Summary Logout
// @Tags auth
// @Accept json
// @Param request body RefreshRequest true "Refresh token"
// @Success 204
// @Router /auth/logout [post]
func (h *Handler) Logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	if err := h.sessions.Revoke(c.Request.Context(), req.RefreshToken, req.ClientID); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ForgotPassword starts password recovery
// @Summary Forgot password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body ForgotPasswordRequest true "Email or phone number"
// @Success 200 {object} RecoveryResult
// @Failure 404 {object} apperr.ErrorBody
// @Router /auth/forgot-password [post]
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}

	result, err := h.svc.ForgotPassword(c.Request.Context(), req.Identifier)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ResetPassword sets a new password after verifying a one-time code
// @Summary Reset password
// @Tags auth
// @Accept json
// @Param request body ResetPasswordRequest true "Phone, code and new password"
// @Success 204
// @Failure 400 {object} apperr.ErrorBody
// @Router /auth/reset-password [post]
func (h *Handler) ResetPassword(c *gin.Context) {
	var req ResetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, h.log, apperr.BindError(err))
		return
	}
	if err := checkPasswordStrength(req.NewPassword); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}

	if err := h.svc.ResetPassword(c.Request.Context(), req.Phone, req.OTP, req.NewPassword, c.ClientIP()); err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RegisterRoutes registers public auth routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/register", h.Register)
	rg.GET("/invite/:token", h.GetInvitation)
	rg.POST("/accept-invite", h.AcceptInvitation)
	rg.POST("/token", h.Token)
	rg.POST("/refresh", h.Refresh)
	rg.POST("/logout", h.Logout)
	rg.POST("/forgot-password", h.ForgotPassword)
	rg.POST("/reset-password", h.ResetPassword)
}
