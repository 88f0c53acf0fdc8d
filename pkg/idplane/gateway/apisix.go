package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"go.uber.org/zap"
)

const serviceName = "apisix"

// APISIX implements Client against the APISIX admin API.
type APISIX struct {
	baseURL string
	key     string
	http    *http.Client
	log     *zap.SugaredLogger
}

var _ Client = (*APISIX)(nil)

// NewAPISIX creates an admin client. A nil httpClient uses a 10s timeout.
func NewAPISIX(adminURL, adminKey string, httpClient *http.Client, log *zap.SugaredLogger) *APISIX {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &APISIX{
		baseURL: strings.TrimRight(adminURL, "/") + "/apisix/admin/routes",
		key:     adminKey,
		http:    httpClient,
		log:     log,
	}
}

// envelope is the admin API's wrapper around a stored object.
type envelope struct {
	Value json.RawMessage `json:"value"`
}

func (a *APISIX) UpsertRoute(ctx context.Context, id string, route Route) error {
	if _, err := a.do(ctx, "upsert_route", http.MethodPut, "/"+url.PathEscape(id), route); err != nil {
		return err
	}
	a.log.Infow("Route upserted", "route_id", id, "name", route.Name)
	return nil
}

func (a *APISIX) GetRoute(ctx context.Context, id string) (*Route, error) {
	data, err := a.do(ctx, "get_route", http.MethodGet, "/"+url.PathEscape(id), nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var route Route
	if err := decodeValue(data, &route); err != nil {
		return nil, apperr.Unavailable(serviceName, fmt.Errorf("decode route %s: %w", id, err))
	}
	return &route, nil
}

func (a *APISIX) ListRoutes(ctx context.Context) ([]Route, error) {
	data, err := a.do(ctx, "list_routes", http.MethodGet, "", nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		List []envelope `json:"list"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, apperr.Unavailable(serviceName, fmt.Errorf("decode route list: %w", err))
	}
	routes := make([]Route, 0, len(page.List))
	for _, item := range page.List {
		var route Route
		if err := json.Unmarshal(item.Value, &route); err != nil {
			return nil, apperr.Unavailable(serviceName, fmt.Errorf("decode route list: %w", err))
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func (a *APISIX) DeleteRoute(ctx context.Context, id string) error {
	_, err := a.do(ctx, "delete_route", http.MethodDelete, "/"+url.PathEscape(id), nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.log.Infow("Route deleted", "route_id", id)
	return nil
}

func (a *APISIX) SetRouteEnabled(ctx context.Context, id string, enabled bool) error {
	status := 0
	if enabled {
		status = 1
	}
	if _, err := a.do(ctx, "set_route_status", http.MethodPatch, "/"+url.PathEscape(id), map[string]int{"status": status}); err != nil {
		return err
	}
	a.log.Infow("Route status changed", "route_id", id, "enabled", enabled)
	return nil
}

func (a *APISIX) do(ctx context.Context, op, method, p string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+p, reader)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	req.Header.Set("X-API-KEY", a.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		metrics.ObserveExternal(serviceName, op, 0, started)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperr.Unavailable(serviceName, fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()
	metrics.ObserveExternal(serviceName, op, resp.StatusCode, started)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Unavailable(serviceName, fmt.Errorf("%s: read response: %w", op, err))
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode != http.StatusNotFound {
			a.log.Errorw("Gateway call failed", "op", op, "status", resp.StatusCode, "body", string(data))
		}
		return nil, apperr.FromStatus(serviceName, resp.StatusCode, string(data))
	}
	return data, nil
}

// decodeValue accepts both the wrapped {"value": {...}} form and a bare object.
func decodeValue(data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Value) > 0 {
		return json.Unmarshal(env.Value, out)
	}
	return json.Unmarshal(data, out)
}
