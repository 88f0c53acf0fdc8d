package platform

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler handles platform-wide requests
type Handler struct {
	db    *gorm.DB
	idp   identity.Client
	audit *audit.Recorder
	log   *zap.SugaredLogger
}

// NewHandler creates a new platform handler
func NewHandler(db *gorm.DB, idp identity.Client, rec *audit.Recorder, log *zap.SugaredLogger) *Handler {
	return &Handler{db: db, idp: idp, audit: rec, log: log}
}

// StatsResponse represents platform statistics
type StatsResponse struct {
	TotalTenants   int64 `json:"total_tenants"`
	ActiveTenants  int64 `json:"active_tenants"`
	TotalProducts  int64 `json:"total_products"`
	ActiveProducts int64 `json:"active_products"`
	TotalUsers     int   `json:"total_users"`
}

// GetStats returns platform statistics
// @Summary Platform statistics
// @Tags platform
// @Produce json
// @Success 200 {object} StatsResponse
// @Failure 502 {object} apperr.ErrorBody
// @Security BearerAuth
// @Router /platform/stats [get]
func (h *Handler) GetStats(c *gin.Context) {
	var stats StatsResponse
	db := h.db.WithContext(c.Request.Context())

	counts := []struct {
		model any
		where string
		dest  *int64
	}{
		{&models.Tenant{}, "", &stats.TotalTenants},
		{&models.Tenant{}, "status = 'active'", &stats.ActiveTenants},
		{&models.Product{}, "", &stats.TotalProducts},
		{&models.Product{}, "status = 'active'", &stats.ActiveProducts},
	}
	for _, q := range counts {
		query := db.Model(q.model)
		if q.where != "" {
			query = query.Where(q.where)
		}
		if err := query.Count(q.dest).Error; err != nil {
			apperr.Respond(c, h.log, apperr.Internal(err))
			return
		}
	}

	users, err := h.idp.CountUsers(c.Request.Context())
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	stats.TotalUsers = users

	c.JSON(http.StatusOK, stats)
}

// ListAudit queries the audit log
// @Summary Query audit log
// @Tags platform
// @Produce json
// @Param tenant_id query string false "Tenant ID"
// @Param actor_id query string false "Actor ID"
// @Param action query string false "Action"
// @Param resource_type query string false "Resource type"
// @Param from query string false "RFC 3339 lower bound"
// @Param to query string false "RFC 3339 upper bound"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {object} audit.Page
// @Security BearerAuth
// @Router /platform/audit-logs [get]
func (h *Handler) ListAudit(c *gin.Context) {
	f := audit.Filter{
		TenantID:     c.Query("tenant_id"),
		ActorID:      c.Query("actor_id"),
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
	}
	f.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))

	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		apperr.Respond(c, h.log, apperr.Validation("Invalid from: %v", err))
		return
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		apperr.Respond(c, h.log, apperr.Validation("Invalid to: %v", err))
		return
	}

	page, err := h.audit.List(c.Request.Context(), f)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// SearchUsers searches identity-provider users across all tenants
// @Summary Search users
// @Tags platform
// @Produce json
// @Param q query string false "Search text (email, name or username)"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Page size" default(20)
// @Success 200 {array} identity.User
// @Security BearerAuth
// @Router /platform/users [get]
func (h *Handler) SearchUsers(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	users, err := h.idp.SearchUsers(c.Request.Context(), c.Query("q"), (page-1)*limit, limit)
	if err != nil {
		apperr.Respond(c, h.log, err)
		return
	}
	if users == nil {
		users = []identity.User{}
	}
	c.JSON(http.StatusOK, users)
}

// RegisterRoutes registers platform routes on the given router group.
// The group is expected to be restricted to platform administrators.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.GET("/users", h.SearchUsers)
}

// RegisterAuditRoutes registers the audit log query. Audit readers need not
// be platform administrators, so it is guarded separately.
func (h *Handler) RegisterAuditRoutes(rg *gin.RouterGroup) {
	rg.GET("/audit-logs", h.ListAudit)
}
