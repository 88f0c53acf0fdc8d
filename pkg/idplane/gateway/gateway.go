// Package gateway administers routes on the API gateway.
package gateway

import "context"

// Upstream is the backend a route proxies to.
type Upstream struct {
	Type    string         `json:"type"`
	Nodes   map[string]int `json:"nodes"`
	Timeout *Timeout       `json:"timeout,omitempty"`
}

// Timeout holds upstream timeouts in seconds.
type Timeout struct {
	Connect int `json:"connect"`
	Send    int `json:"send"`
	Read    int `json:"read"`
}

// Route is a gateway route descriptor. Plugins are passed through verbatim.
type Route struct {
	Name     string         `json:"name"`
	Desc     string         `json:"desc,omitempty"`
	URIs     []string       `json:"uris,omitempty"`
	Methods  []string       `json:"methods"`
	Upstream Upstream       `json:"upstream"`
	Plugins  map[string]any `json:"plugins"`
	Status   *int           `json:"status,omitempty"`
}

// Enabled reports whether the route is serving traffic. Routes without an
// explicit status are enabled.
func (r *Route) Enabled() bool {
	return r.Status == nil || *r.Status == 1
}

// Client is the route administration surface of the gateway.
type Client interface {
	UpsertRoute(ctx context.Context, id string, route Route) error
	// GetRoute returns nil, nil when the route does not exist.
	GetRoute(ctx context.Context, id string) (*Route, error)
	ListRoutes(ctx context.Context) ([]Route, error)
	// DeleteRoute succeeds when the route is already gone.
	DeleteRoute(ctx context.Context, id string) error
	SetRouteEnabled(ctx context.Context, id string, enabled bool) error
}
