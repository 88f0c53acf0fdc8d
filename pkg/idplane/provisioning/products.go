package provisioning

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/audit"
	"github.com/mikepea/idplane/pkg/idplane/auth"
	"github.com/mikepea/idplane/pkg/idplane/gateway"
	"github.com/mikepea/idplane/pkg/idplane/identity"
	"github.com/mikepea/idplane/pkg/idplane/models"
	"github.com/mikepea/idplane/pkg/idplane/routes"
	"gorm.io/gorm"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// Permission is a simple client role of a product.
type Permission struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// RoleBundle is a composite client role bundling permissions.
type RoleBundle struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// ProductInput describes a product to onboard.
type ProductInput struct {
	Name        string
	Slug        string
	Description string
	FrontendURL string
	BackendHost string
	BackendPort int
	Permissions []Permission
	Roles       []RoleBundle
	// DefaultRole is granted to self-registered users of the product.
	DefaultRole string
}

// ProductUpdate holds the product fields to change. Nil fields are kept.
type ProductUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	FrontendURL *string `json:"frontend_url"`
	BackendHost *string `json:"backend_host"`
	BackendPort *int    `json:"backend_port"`
}

func validateSlug(slug string) error {
	if len(slug) < 2 || len(slug) > 64 || !slugPattern.MatchString(slug) {
		return apperr.Validation("Slug must be 2-64 lowercase alphanumeric characters with dashes")
	}
	return nil
}

// OnboardProduct creates the product's identity-provider clients, client
// roles and gateway route, then persists it.
func (o *Orchestrator) OnboardProduct(ctx context.Context, in ProductInput, actor Actor) (*models.Product, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("Product name is required")
	}
	if err := validateSlug(in.Slug); err != nil {
		return nil, err
	}
	if in.BackendPort < 0 || in.BackendPort > 65535 {
		return nil, apperr.Validation("Backend port must be between 1 and 65535")
	}

	var existing int64
	if err := o.db.WithContext(ctx).Model(&models.Product{}).Where("slug = ?", in.Slug).Count(&existing).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	if existing > 0 {
		return nil, apperr.Conflict("Product with slug '%s' already exists", in.Slug)
	}

	rollback := newCompensations(o, workflowProduct)
	product, err := o.provisionProduct(ctx, in, rollback)
	if err != nil {
		rollback.run(ctx, err)
		return nil, err
	}

	if in.DefaultRole != "" {
		o.seedRegistrationConfig(ctx, in.Slug, in.DefaultRole)
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.created",
		ResourceType: "product",
		ResourceID:   product.ID,
		Metadata:     map[string]any{"name": in.Name, "slug": in.Slug},
		IPAddress:    actor.IP,
	})
	o.log.Infow("Product onboarded", "product_id", product.ID, "slug", product.Slug, "route_id", product.RouteID)
	return product, nil
}

func (o *Orchestrator) provisionProduct(ctx context.Context, in ProductInput, rollback *compensations) (*models.Product, error) {
	frontend := strings.TrimRight(in.FrontendURL, "/")
	if frontend == "" {
		frontend = o.opts.DefaultFrontendURL
	}
	description := in.Description
	if description == "" {
		description = "Frontend client for " + in.Name
	}

	publicUUID, err := step(ctx, o, workflowProduct, "create_public_client", func(ctx context.Context) (string, error) {
		return o.idp.CreateClient(ctx, identity.ClientSpec{
			ClientID:            in.Slug,
			Name:                in.Name,
			Description:         description,
			Enabled:             true,
			PublicClient:        true,
			StandardFlowEnabled: true,
			RedirectURIs:        []string{frontend + "/callback", frontend + "/*"},
			WebOrigins:          []string{frontend},
			Attributes: map[string]string{
				"pkce.code.challenge.method": "S256",
				"post.logout.redirect.uris":  frontend + "/*",
			},
		})
	})
	if err != nil {
		return nil, err
	}
	rollback.push("delete_public_client", func(ctx context.Context) error {
		return o.idp.DeleteClient(ctx, publicUUID)
	})

	backendClientID := in.Slug + "-backend"
	backendUUID, err := step(ctx, o, workflowProduct, "create_backend_client", func(ctx context.Context) (string, error) {
		return o.idp.CreateClient(ctx, identity.ClientSpec{
			ClientID:               backendClientID,
			Name:                   in.Name + " Backend",
			Description:            "Confidential client for gateway token validation of " + in.Name + " APIs",
			Enabled:                true,
			ServiceAccountsEnabled: true,
		})
	})
	if err != nil {
		return nil, err
	}
	rollback.push("delete_backend_client", func(ctx context.Context) error {
		return o.idp.DeleteClient(ctx, backendUUID)
	})

	secret, err := step(ctx, o, workflowProduct, "get_backend_secret", func(ctx context.Context) (string, error) {
		return o.idp.GetClientSecret(ctx, backendUUID)
	})
	if err != nil {
		return nil, err
	}

	if err := o.createProductRoles(ctx, publicUUID, in.Permissions, in.Roles); err != nil {
		return nil, err
	}

	err = do(ctx, o, workflowProduct, "map_realm_roles", func(ctx context.Context) error {
		realmRoles, err := o.idp.GetRealmRoles(ctx)
		if err != nil {
			return err
		}
		platform := slices.DeleteFunc(realmRoles, func(r identity.Role) bool {
			return !slices.Contains(auth.PlatformRealmRoles, r.Name)
		})
		if len(platform) == 0 {
			return nil
		}
		return o.idp.AddRealmRoleScopeMappings(ctx, publicUUID, platform)
	})
	if err != nil {
		return nil, err
	}

	bestEffort(ctx, o, workflowProduct, "default_organization_scope", func(ctx context.Context) error {
		return o.idp.MoveOrganizationScopeToDefault(ctx, publicUUID)
	})

	product := &models.Product{
		Name:                in.Name,
		Slug:                in.Slug,
		Description:         in.Description,
		FrontendURL:         in.FrontendURL,
		BackendHost:         in.BackendHost,
		BackendPort:         in.BackendPort,
		Status:              models.ProductStatusActive,
		PublicClientID:      in.Slug,
		PublicClientUUID:    publicUUID,
		BackendClientID:     backendClientID,
		BackendClientUUID:   backendUUID,
		BackendClientSecret: secret,
	}

	if product.HasBackend() {
		routeID := routes.ID(in.Slug)
		ok := bestEffort(ctx, o, workflowProduct, "upsert_route", func(ctx context.Context) error {
			return o.gw.UpsertRoute(ctx, routeID, o.routeFor(product))
		})
		if ok {
			product.RouteID = routeID
			rollback.push("delete_route", func(ctx context.Context) error {
				return o.gw.DeleteRoute(ctx, routeID)
			})
		}
	}

	if err := o.db.WithContext(ctx).Create(product).Error; err != nil {
		return nil, persistErr(err, "Product with slug '%s' already exists", in.Slug)
	}
	return product, nil
}

// createProductRoles creates permissions, then composite roles bundling
// them, and maps all of them into the public client's scope so they appear
// in issued tokens.
func (o *Orchestrator) createProductRoles(ctx context.Context, clientUUID string, permissions []Permission, bundles []RoleBundle) error {
	if len(permissions) == 0 && len(bundles) == 0 {
		return nil
	}

	for _, p := range permissions {
		err := do(ctx, o, workflowProduct, "create_permission", func(ctx context.Context) error {
			return o.idp.CreateClientRole(ctx, clientUUID, identity.Role{Name: p.Name, Description: p.Description})
		})
		if err != nil {
			return err
		}
	}
	for _, b := range bundles {
		err := do(ctx, o, workflowProduct, "create_role", func(ctx context.Context) error {
			return o.idp.CreateClientRole(ctx, clientUUID, identity.Role{Name: b.Name, Description: b.Description})
		})
		if err != nil {
			return err
		}
	}

	return do(ctx, o, workflowProduct, "map_client_roles", func(ctx context.Context) error {
		all, err := o.idp.GetClientRoles(ctx, clientUUID)
		if err != nil {
			return err
		}
		for _, b := range bundles {
			composites := rolesNamed(all, b.Permissions)
			if len(composites) == 0 {
				continue
			}
			if err := o.idp.AddCompositeRoles(ctx, clientUUID, b.Name, composites); err != nil {
				return err
			}
		}
		return o.idp.AddClientRoleScopeMappings(ctx, clientUUID, clientUUID, all)
	})
}

func rolesNamed(roles []identity.Role, names []string) []identity.Role {
	var out []identity.Role
	for _, r := range roles {
		if slices.Contains(names, r.Name) {
			out = append(out, r)
		}
	}
	return out
}

// seedRegistrationConfig grants defaultRole to self-registered users of the
// product. An existing config is left alone.
func (o *Orchestrator) seedRegistrationConfig(ctx context.Context, slug, defaultRole string) {
	cfg := models.RegistrationConfig{
		Product:                 slug,
		RequiredFields:          []string{"email", "fullName", "password"},
		ValidationRules:         map[string]models.FieldRule{"password": {MinLength: 8}},
		DefaultRealmRole:        auth.RoleEndUser,
		DefaultClientRoles:      []string{defaultRole},
		SelfRegistrationEnabled: true,
	}
	err := o.db.WithContext(ctx).Where(models.RegistrationConfig{Product: slug}).FirstOrCreate(&cfg).Error
	if err != nil {
		o.log.Warnw("Could not seed registration config", "product", slug, "error", err)
	}
}

func (o *Orchestrator) routeFor(p *models.Product) gateway.Route {
	return routes.Build(routes.Params{
		Slug:         p.Slug,
		BackendHost:  p.BackendHost,
		BackendPort:  p.BackendPort,
		DiscoveryURL: o.opts.DiscoveryURL,
		Realm:        o.opts.Realm,
		ClientID:     p.BackendClientID,
		ClientSecret: p.BackendClientSecret,
	})
}

// ListProducts returns all products, newest first.
func (o *Orchestrator) ListProducts(ctx context.Context) ([]models.Product, error) {
	products := []models.Product{}
	if err := o.db.WithContext(ctx).Order("created_at DESC").Find(&products).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return products, nil
}

// GetProduct returns a product by id.
func (o *Orchestrator) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := o.db.WithContext(ctx).First(&product, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("Product", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &product, nil
}

// UpdateProduct changes product metadata. The slug is immutable.
func (o *Orchestrator) UpdateProduct(ctx context.Context, id string, in ProductUpdate, actor Actor) (*models.Product, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, apperr.Validation("Product name cannot be empty")
		}
		product.Name = *in.Name
		changes["name"] = *in.Name
	}
	if in.Description != nil {
		product.Description = *in.Description
		changes["description"] = *in.Description
	}
	if in.FrontendURL != nil {
		product.FrontendURL = *in.FrontendURL
		changes["frontend_url"] = *in.FrontendURL
	}
	if in.BackendHost != nil {
		product.BackendHost = *in.BackendHost
		changes["backend_host"] = *in.BackendHost
	}
	if in.BackendPort != nil {
		if *in.BackendPort < 1 || *in.BackendPort > 65535 {
			return nil, apperr.Validation("Backend port must be between 1 and 65535")
		}
		product.BackendPort = *in.BackendPort
		changes["backend_port"] = *in.BackendPort
	}

	if err := o.db.WithContext(ctx).Save(product).Error; err != nil {
		return nil, apperr.Internal(err)
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.updated",
		ResourceType: "product",
		ResourceID:   id,
		Metadata:     changes,
		IPAddress:    actor.IP,
	})
	return product, nil
}

// DeactivateProduct marks the product inactive and disables its route.
func (o *Orchestrator) DeactivateProduct(ctx context.Context, id string, actor Actor) (*models.Product, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	product.Status = models.ProductStatusInactive
	if err := o.db.WithContext(ctx).Save(product).Error; err != nil {
		return nil, apperr.Internal(err)
	}

	if product.RouteID != "" {
		bestEffort(ctx, o, "product_deactivation", "disable_route", func(ctx context.Context) error {
			return o.gw.SetRouteEnabled(ctx, product.RouteID, false)
		})
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.deactivated",
		ResourceType: "product",
		ResourceID:   id,
		IPAddress:    actor.IP,
	})
	return product, nil
}

func (o *Orchestrator) productClient(ctx context.Context, id string) (*models.Product, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.PublicClientUUID == "" {
		return nil, apperr.NotFound("Identity client for product", id)
	}
	return product, nil
}

// ListProductRoles returns the client roles of a product.
func (o *Orchestrator) ListProductRoles(ctx context.Context, id string) ([]identity.Role, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.PublicClientUUID == "" {
		return []identity.Role{}, nil
	}
	return o.idp.GetClientRoles(ctx, product.PublicClientUUID)
}

// CreateProductRole creates a client role and maps it into the client scope.
func (o *Orchestrator) CreateProductRole(ctx context.Context, id string, role identity.Role, actor Actor) error {
	product, err := o.productClient(ctx, id)
	if err != nil {
		return err
	}
	clientUUID := product.PublicClientUUID
	if err := o.idp.CreateClientRole(ctx, clientUUID, role); err != nil {
		return err
	}

	created, err := o.idp.GetClientRole(ctx, clientUUID, role.Name)
	if err != nil {
		return err
	}
	if err := o.idp.AddClientRoleScopeMappings(ctx, clientUUID, clientUUID, []identity.Role{*created}); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.role.created",
		ResourceType: "product",
		ResourceID:   id,
		Metadata:     map[string]any{"roleName": role.Name},
		IPAddress:    actor.IP,
	})
	return nil
}

// DeleteProductRole removes a client role.
func (o *Orchestrator) DeleteProductRole(ctx context.Context, id, roleName string, actor Actor) error {
	product, err := o.productClient(ctx, id)
	if err != nil {
		return err
	}
	if err := o.idp.DeleteClientRole(ctx, product.PublicClientUUID, roleName); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.role.deleted",
		ResourceType: "product",
		ResourceID:   id,
		Metadata:     map[string]any{"roleName": roleName},
		IPAddress:    actor.IP,
	})
	return nil
}

// AddRoleComposites bundles existing client roles into roleName.
func (o *Orchestrator) AddRoleComposites(ctx context.Context, id, roleName string, names []string, actor Actor) error {
	product, err := o.productClient(ctx, id)
	if err != nil {
		return err
	}
	all, err := o.idp.GetClientRoles(ctx, product.PublicClientUUID)
	if err != nil {
		return err
	}
	composites := rolesNamed(all, names)
	if len(composites) != len(names) {
		found := identity.RoleNames(composites)
		missing := slices.DeleteFunc(slices.Clone(names), func(n string) bool { return slices.Contains(found, n) })
		return apperr.Validation("Unknown roles: %s", strings.Join(missing, ", "))
	}
	if err := o.idp.AddCompositeRoles(ctx, product.PublicClientUUID, roleName, composites); err != nil {
		return err
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.role.composites.added",
		ResourceType: "product",
		ResourceID:   id,
		Metadata:     map[string]any{"roleName": roleName, "composites": names},
		IPAddress:    actor.IP,
	})
	return nil
}

// ListRoleComposites returns the roles bundled into roleName.
func (o *Orchestrator) ListRoleComposites(ctx context.Context, id, roleName string) ([]identity.Role, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.PublicClientUUID == "" {
		return []identity.Role{}, nil
	}
	return o.idp.GetCompositeRoles(ctx, product.PublicClientUUID, roleName)
}

// GetProductRoute returns the live gateway route, or nil when none exists.
func (o *Orchestrator) GetProductRoute(ctx context.Context, id string) (*gateway.Route, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.RouteID == "" {
		return nil, nil
	}
	return o.gw.GetRoute(ctx, product.RouteID)
}

// UpdateProductRoute rebuilds the product's route and applies overrides on
// top of it. Products without a backend take overrides as the whole route.
func (o *Orchestrator) UpdateProductRoute(ctx context.Context, id string, overrides map[string]any, actor Actor) (*gateway.Route, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	routeID := product.RouteID
	if routeID == "" {
		routeID = routes.ID(product.Slug)
	}

	var base gateway.Route
	if product.HasBackend() && product.BackendClientSecret != "" {
		base = o.routeFor(product)
	}
	route, err := routes.Merge(base, overrides)
	if err != nil {
		return nil, apperr.Validation("Invalid route configuration: %v", err)
	}
	if err := o.gw.UpsertRoute(ctx, routeID, route); err != nil {
		return nil, err
	}

	if product.RouteID == "" {
		product.RouteID = routeID
		if err := o.db.WithContext(ctx).Model(product).Update("route_id", routeID).Error; err != nil {
			return nil, apperr.Internal(err)
		}
	}

	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       "product.route.updated",
		ResourceType: "product",
		ResourceID:   id,
		IPAddress:    actor.IP,
	})
	return &route, nil
}

// ToggleProductRoute flips the route between enabled and disabled and
// returns the new state.
func (o *Orchestrator) ToggleProductRoute(ctx context.Context, id string, actor Actor) (bool, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return false, err
	}
	if product.RouteID == "" {
		return false, apperr.NotFound("Gateway route for product", id)
	}

	route, err := o.gw.GetRoute(ctx, product.RouteID)
	if err != nil {
		return false, err
	}
	if route == nil {
		return false, apperr.NotFound("Gateway route", product.RouteID)
	}
	enable := !route.Enabled()
	if err := o.gw.SetRouteEnabled(ctx, product.RouteID, enable); err != nil {
		return false, err
	}

	action := "product.route.disabled"
	if enable {
		action = "product.route.enabled"
	}
	o.audit.Append(ctx, audit.Entry{
		ActorID:      actor.ID,
		ActorType:    actor.Type,
		Action:       action,
		ResourceType: "product",
		ResourceID:   id,
		IPAddress:    actor.IP,
	})
	return enable, nil
}

// ProductTenants lists the tenants of a product, newest first.
func (o *Orchestrator) ProductTenants(ctx context.Context, id string) ([]models.Tenant, error) {
	product, err := o.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	tenants := []models.Tenant{}
	if err := o.db.WithContext(ctx).Where("product = ?", product.Slug).Order("created_at DESC").Find(&tenants).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return tenants, nil
}
