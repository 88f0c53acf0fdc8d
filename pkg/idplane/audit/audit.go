// Package audit records mutating operations in the audit_logs table.
package audit

import (
	"context"
	"time"

	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is one audited action.
type Entry struct {
	ActorID      string
	ActorType    models.ActorType
	Action       string
	ResourceType string
	ResourceID   string
	TenantID     string
	Metadata     map[string]any
	IPAddress    string
}

// Recorder appends audit records. Append never fails the caller.
type Recorder struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewRecorder(db *gorm.DB, log *zap.SugaredLogger) *Recorder {
	return &Recorder{db: db, log: log}
}

// Append writes e. A write failure is logged and counted, not returned.
func (r *Recorder) Append(ctx context.Context, e Entry) {
	if e.ActorType == "" {
		e.ActorType = models.ActorUser
	}
	if e.ActorID == "" {
		e.ActorID = "anonymous"
	}
	record := models.AuditLog{
		ActorID:      e.ActorID,
		ActorType:    e.ActorType,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		TenantID:     e.TenantID,
		Metadata:     e.Metadata,
		IPAddress:    e.IPAddress,
	}
	// The operation being audited has already happened.
	ctx = context.WithoutCancel(ctx)
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		metrics.AuditAppendFailures.Inc()
		r.log.Errorw("Failed to append audit record",
			"action", e.Action,
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID,
			"error", err,
		)
	}
}

// Filter selects audit records. Zero fields are ignored.
type Filter struct {
	TenantID     string
	ActorID      string
	Action       string
	ResourceType string
	From         time.Time
	To           time.Time
	Page         int
	Limit        int
}

// Page is one page of audit records, newest first.
type Page struct {
	Items []models.AuditLog `json:"items"`
	Total int64             `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

const (
	defaultLimit = 20
	maxLimit     = 100
)

// List returns the records matching f.
func (r *Recorder) List(ctx context.Context, f Filter) (*Page, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}

	query := r.db.WithContext(ctx).Model(&models.AuditLog{})
	if f.TenantID != "" {
		query = query.Where("tenant_id = ?", f.TenantID)
	}
	if f.ActorID != "" {
		query = query.Where("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		query = query.Where("action = ?", f.Action)
	}
	if f.ResourceType != "" {
		query = query.Where("resource_type = ?", f.ResourceType)
	}
	if !f.From.IsZero() {
		query = query.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		query = query.Where("created_at <= ?", f.To)
	}

	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	items := []models.AuditLog{}
	err := query.Order("created_at DESC").
		Limit(f.Limit).
		Offset((f.Page - 1) * f.Limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Page: f.Page, Limit: f.Limit}, nil
}
