// Package provisioning runs the multi-system workflows that onboard products
// and tenants against the identity provider, the gateway and the local store.
//
// Workflows are sequential: every step consumes artifacts of earlier steps.
// When a step fails after an external resource was created, the workflow
// undoes what it created (best effort) and returns the original error.
package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/gateway"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	workflowProduct = "product_onboarding"
	workflowTenant  = "tenant_onboarding"
	workflowFanout  = "tenant_status"
)

// Options configures the orchestrator.
type Options struct {
	// DiscoveryURL is the realm's OpenID discovery document, used by gateway routes.
	DiscoveryURL string
	Realm        string
	// DefaultFrontendURL is used for the public client when a product has none.
	DefaultFrontendURL string
	// StepTimeout bounds each external call. Zero means 5s.
	StepTimeout time.Duration
	// FanoutConcurrency bounds parallel member updates. Zero means 8.
	FanoutConcurrency int
}

// Actor is who triggered an operation, for the audit trail.
type Actor struct {
	ID   string
	IP   string
	Type models.ActorType
}

// systemActor records transitions the platform makes on its own.
var systemActor = Actor{ID: "system", Type: models.ActorSystem}

// ActorOf returns the authenticated caller of a request.
func ActorOf(c *gin.Context) Actor {
	actor := Actor{ID: auth.ActorID(c), IP: c.ClientIP(), Type: models.ActorUser}
	if identity, ok := auth.GetIdentity(c); ok && identity.IsServiceAccount() {
		actor.Type = models.ActorService
	}
	return actor
}

// Orchestrator owns product and tenant lifecycle workflows.
type Orchestrator struct {
	db    *gorm.DB
	idp   identity.Client
	gw    gateway.Client
	audit *audit.Recorder
	log   *zap.SugaredLogger
	opts  Options
}

func New(db *gorm.DB, idp identity.Client, gw gateway.Client, rec *audit.Recorder, log *zap.SugaredLogger, opts Options) *Orchestrator {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 5 * time.Second
	}
	if opts.FanoutConcurrency <= 0 {
		opts.FanoutConcurrency = 8
	}
	if opts.DefaultFrontendURL == "" {
		opts.DefaultFrontendURL = "http://localhost:3000"
	}
	return &Orchestrator{db: db, idp: idp, gw: gw, audit: rec, log: log, opts: opts}
}

// step runs one external call under the step timeout and counts its outcome.
func step[T any](ctx context.Context, o *Orchestrator, workflow, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.StepTimeout)
	defer cancel()

	v, err := fn(ctx)
	if err != nil {
		metrics.ProvisioningSteps.WithLabelValues(workflow, name, "error").Inc()
		return v, err
	}
	metrics.ProvisioningSteps.WithLabelValues(workflow, name, "ok").Inc()
	return v, nil
}

// do is step for calls without a result.
func do(ctx context.Context, o *Orchestrator, workflow, name string, fn func(context.Context) error) error {
	_, err := step(ctx, o, workflow, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// bestEffort runs a step whose failure is logged and otherwise ignored.
func bestEffort(ctx context.Context, o *Orchestrator, workflow, name string, fn func(context.Context) error) bool {
	if err := do(ctx, o, workflow, name, fn); err != nil {
		o.log.Warnw("Optional provisioning step failed", "workflow", workflow, "step", name, "error", err)
		return false
	}
	return true
}

// persistErr maps a local write failure. A unique violation means a
// concurrent request won the race for the same key.
func persistErr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict(format, args...)
	}
	return apperr.Internal(err)
}
