// Package gatewaytest provides an in-memory gateway.Client for tests.
package gatewaytest

import (
	"context"
	"sort"
	"sync"

	"github.com/mikepea/idplane/pkg/idplane/gateway"
)

// Fake stores routes in memory. Set Fail to make a method return an error.
type Fake struct {
	mu     sync.Mutex
	Fail   map[string]error
	Calls  []string
	Routes map[string]gateway.Route
}

func New() *Fake {
	return &Fake{Fail: map[string]error{}, Routes: map[string]gateway.Route{}}
}

// Route returns the stored route and whether it exists.
func (f *Fake) Route(id string) (gateway.Route, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.Routes[id]
	return r, ok
}

func (f *Fake) record(method, id string) error {
	f.Calls = append(f.Calls, method+":"+id)
	return f.Fail[method]
}

func (f *Fake) UpsertRoute(_ context.Context, id string, route gateway.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpsertRoute", id); err != nil {
		return err
	}
	f.Routes[id] = route
	return nil
}

func (f *Fake) GetRoute(_ context.Context, id string) (*gateway.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRoute", id); err != nil {
		return nil, err
	}
	r, ok := f.Routes[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (f *Fake) ListRoutes(_ context.Context) ([]gateway.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListRoutes", ""); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.Routes))
	for id := range f.Routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]gateway.Route, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.Routes[id])
	}
	return out, nil
}

func (f *Fake) DeleteRoute(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteRoute", id); err != nil {
		return err
	}
	delete(f.Routes, id)
	return nil
}

func (f *Fake) SetRouteEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetRouteEnabled", id); err != nil {
		return err
	}
	r, ok := f.Routes[id]
	if !ok {
		return nil
	}
	status := 0
	if enabled {
		status = 1
	}
	r.Status = &status
	f.Routes[id] = r
	return nil
}

var _ gateway.Client = (*Fake)(nil)
