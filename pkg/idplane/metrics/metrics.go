// Package metrics exposes Prometheus instruments for provisioning, guards,
// audit and calls to external systems.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	ProvisioningSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idplane_provisioning_steps_total",
			Help: "Provisioning workflow steps by outcome.",
		},
		[]string{"workflow", "step", "outcome"},
	)

	Compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idplane_compensations_total",
			Help: "Compensating actions executed after a failed workflow.",
		},
		[]string{"workflow", "outcome"},
	)

	GuardDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idplane_guard_denials_total",
			Help: "Requests rejected by the authorization guard chain.",
		},
		[]string{"guard"},
	)

	AuditAppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idplane_audit_append_failures_total",
			Help: "Audit records that could not be written.",
		},
	)

	OrgClaimEncodings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idplane_organization_claim_encoding_total",
			Help: "Organization claims seen by encoding (list or map).",
		},
		[]string{"encoding"},
	)

	ExternalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idplane_external_request_duration_seconds",
			Help:    "Latency of calls to the identity provider and gateway.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "op", "status"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idplane_http_requests_total",
			Help: "HTTP requests served.",
		},
		[]string{"method", "route", "status"},
	)
)

// Register adds all instruments to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ProvisioningSteps,
			Compensations,
			GuardDenials,
			AuditAppendFailures,
			OrgClaimEncodings,
			ExternalDuration,
			httpRequests,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveExternal records one call to an external system.
func ObserveExternal(service, op string, status int, started time.Time) {
	ExternalDuration.WithLabelValues(service, op, strconv.Itoa(status)).Observe(time.Since(started).Seconds())
}

// Middleware counts requests by route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
