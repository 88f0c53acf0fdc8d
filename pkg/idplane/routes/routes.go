// Package routes builds the gateway route descriptor for a product.
package routes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikepea/idplane/pkg/idplane/gateway"
)

// Params is the product metadata a route is built from.
type Params struct {
	Slug         string
	BackendHost  string
	BackendPort  int
	DiscoveryURL string
	Realm        string
	ClientID     string
	ClientSecret string
}

// Methods proxied for every product.
var Methods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

// ID returns the gateway route id of a product.
func ID(slug string) string {
	return "product-" + slug
}

// PathPrefix returns the public path prefix of a product's API.
func PathPrefix(slug string) string {
	return "/api/" + strings.TrimPrefix(slug, "doer-")
}

// Build returns the route descriptor for p. It has no side effects.
func Build(p Params) gateway.Route {
	prefix := PathPrefix(p.Slug)
	return gateway.Route{
		Name:    p.Slug + "-api",
		Desc:    p.Slug + " product API, bearer validated with claims injected as headers",
		URIs:    []string{prefix, prefix + "/*"},
		Methods: append([]string(nil), Methods...),
		Upstream: gateway.Upstream{
			Type:    "roundrobin",
			Nodes:   map[string]int{fmt.Sprintf("%s:%d", p.BackendHost, p.BackendPort): 1},
			Timeout: &gateway.Timeout{Connect: 5, Send: 10, Read: 10},
		},
		Plugins: map[string]any{
			"openid-connect": map[string]any{
				"discovery":                         p.DiscoveryURL,
				"client_id":                         p.ClientID,
				"client_secret":                     p.ClientSecret,
				"bearer_only":                       true,
				"realm":                             p.Realm,
				"token_signing_alg_values_expected": "RS256",
				"set_userinfo_header":               true,
				"set_access_token_header":           false,
			},
			"serverless-pre-function": map[string]any{
				"phase":     "before_proxy",
				"functions": []string{claimsScript(p.Slug)},
			},
			"limit-count": map[string]any{
				"count":         1000,
				"time_window":   60,
				"key_type":      "var",
				"key":           "remote_addr",
				"rejected_code": 429,
				"policy":        "local",
			},
			"cors": map[string]any{
				"allow_origins":    "**",
				"allow_methods":    "GET,POST,PUT,DELETE,OPTIONS",
				"allow_headers":    "Content-Type,Authorization,X-Request-Id",
				"expose_headers":   "X-Request-Id",
				"max_age":          3600,
				"allow_credential": false,
			},
		},
	}
}

// Merge applies top-level overrides (for example "plugins" or "upstream")
// onto base. Keys in overrides replace the base value wholesale.
func Merge(base gateway.Route, overrides map[string]any) (gateway.Route, error) {
	if len(overrides) == 0 {
		return base, nil
	}
	data, err := json.Marshal(base)
	if err != nil {
		return gateway.Route{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return gateway.Route{}, err
	}
	for k, v := range overrides {
		fields[k] = v
	}

	data, err = json.Marshal(fields)
	if err != nil {
		return gateway.Route{}, err
	}
	var merged gateway.Route
	if err := json.Unmarshal(data, &merged); err != nil {
		return gateway.Route{}, fmt.Errorf("invalid route override: %w", err)
	}
	return merged, nil
}

// RedactedSecret replaces client secrets in routes returned to callers.
const RedactedSecret = "******"

// Redact returns a copy of route with the openid-connect client secret
// masked. The input is not modified.
func Redact(route *gateway.Route) *gateway.Route {
	if route == nil {
		return nil
	}
	out := *route
	oidc, ok := route.Plugins["openid-connect"].(map[string]any)
	if !ok {
		return &out
	}
	if _, has := oidc["client_secret"]; !has {
		return &out
	}
	masked := make(map[string]any, len(oidc))
	for k, v := range oidc {
		masked[k] = v
	}
	masked["client_secret"] = RedactedSecret

	out.Plugins = make(map[string]any, len(route.Plugins))
	for k, v := range route.Plugins {
		out.Plugins[k] = v
	}
	out.Plugins["openid-connect"] = masked
	return &out
}
