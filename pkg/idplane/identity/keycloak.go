package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
	"go.uber.org/zap"
)

const serviceName = "keycloak"

// KeycloakConfig configures the admin client.
type KeycloakConfig struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	// Timeout bounds each admin call. Zero means 10s.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Keycloak implements Client against the Keycloak admin REST API.
type Keycloak struct {
	adminURL string
	http     *http.Client
	tokens   *tokenCache
	log      *zap.SugaredLogger
}

var _ Client = (*Keycloak)(nil)

// NewKeycloak creates an admin client authenticated with the client
// credentials grant.
func NewKeycloak(cfg KeycloakConfig, log *zap.SugaredLogger) *Keycloak {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	tokenURL := base + "/realms/" + url.PathEscape(cfg.Realm) + "/protocol/openid-connect/token"

	return &Keycloak{
		adminURL: base + "/admin/realms/" + url.PathEscape(cfg.Realm),
		http:     httpClient,
		tokens:   newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, httpClient),
		log:      log,
	}
}

func (k *Keycloak) CreateClient(ctx context.Context, spec ClientSpec) (string, error) {
	if spec.Protocol == "" {
		spec.Protocol = "openid-connect"
	}
	return k.create(ctx, "create_client", "/clients", spec)
}

func (k *Keycloak) DeleteClient(ctx context.Context, clientUUID string) error {
	_, err := k.do(ctx, "delete_client", http.MethodDelete, "/clients/"+esc(clientUUID), nil, nil)
	return err
}

func (k *Keycloak) GetClientUUID(ctx context.Context, clientID string) (string, error) {
	var clients []struct {
		ID       string `json:"id"`
		ClientID string `json:"clientId"`
	}
	q := url.Values{"clientId": {clientID}}
	if _, err := k.do(ctx, "find_client", http.MethodGet, "/clients?"+q.Encode(), nil, &clients); err != nil {
		return "", err
	}
	for _, c := range clients {
		if c.ClientID == clientID {
			return c.ID, nil
		}
	}
	return "", apperr.NotFound("Client", clientID)
}

func (k *Keycloak) GetClientSecret(ctx context.Context, clientUUID string) (string, error) {
	var secret struct {
		Value string `json:"value"`
	}
	if _, err := k.do(ctx, "get_client_secret", http.MethodGet, "/clients/"+esc(clientUUID)+"/client-secret", nil, &secret); err != nil {
		return "", err
	}
	return secret.Value, nil
}

func (k *Keycloak) GetRealmRoles(ctx context.Context) ([]Role, error) {
	var roles []Role
	_, err := k.do(ctx, "list_realm_roles", http.MethodGet, "/roles", nil, &roles)
	return roles, err
}

func (k *Keycloak) GetClientRoles(ctx context.Context, clientUUID string) ([]Role, error) {
	var roles []Role
	_, err := k.do(ctx, "list_client_roles", http.MethodGet, "/clients/"+esc(clientUUID)+"/roles", nil, &roles)
	return roles, err
}

func (k *Keycloak) GetClientRole(ctx context.Context, clientUUID, name string) (*Role, error) {
	var role Role
	if _, err := k.do(ctx, "get_client_role", http.MethodGet, "/clients/"+esc(clientUUID)+"/roles/"+esc(name), nil, &role); err != nil {
		return nil, err
	}
	return &role, nil
}

func (k *Keycloak) CreateClientRole(ctx context.Context, clientUUID string, role Role) error {
	_, err := k.do(ctx, "create_client_role", http.MethodPost, "/clients/"+esc(clientUUID)+"/roles", Role{
		Name:        role.Name,
		Description: role.Description,
	}, nil)
	return err
}

func (k *Keycloak) DeleteClientRole(ctx context.Context, clientUUID, name string) error {
	_, err := k.do(ctx, "delete_client_role", http.MethodDelete, "/clients/"+esc(clientUUID)+"/roles/"+esc(name), nil, nil)
	return err
}

func (k *Keycloak) AddCompositeRoles(ctx context.Context, clientUUID, roleName string, composites []Role) error {
	p := "/clients/" + esc(clientUUID) + "/roles/" + esc(roleName) + "/composites"
	_, err := k.do(ctx, "add_composites", http.MethodPost, p, composites, nil)
	return err
}

func (k *Keycloak) GetCompositeRoles(ctx context.Context, clientUUID, roleName string) ([]Role, error) {
	var roles []Role
	p := "/clients/" + esc(clientUUID) + "/roles/" + esc(roleName) + "/composites"
	_, err := k.do(ctx, "list_composites", http.MethodGet, p, nil, &roles)
	return roles, err
}

func (k *Keycloak) AddRealmRoleScopeMappings(ctx context.Context, clientUUID string, roles []Role) error {
	_, err := k.do(ctx, "add_realm_scope_mappings", http.MethodPost, "/clients/"+esc(clientUUID)+"/scope-mappings/realm", roles, nil)
	return err
}

func (k *Keycloak) AddClientRoleScopeMappings(ctx context.Context, clientUUID, roleClientUUID string, roles []Role) error {
	p := "/clients/" + esc(clientUUID) + "/scope-mappings/clients/" + esc(roleClientUUID)
	_, err := k.do(ctx, "add_client_scope_mappings", http.MethodPost, p, roles, nil)
	return err
}

// MoveOrganizationScopeToDefault makes the "organization" client scope a
// default scope of the client so every token carries tenant membership.
func (k *Keycloak) MoveOrganizationScopeToDefault(ctx context.Context, clientUUID string) error {
	var scopes []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if _, err := k.do(ctx, "list_client_scopes", http.MethodGet, "/client-scopes", nil, &scopes); err != nil {
		return err
	}
	var scopeID string
	for _, s := range scopes {
		if s.Name == "organization" {
			scopeID = s.ID
			break
		}
	}
	if scopeID == "" {
		return apperr.NotFound("Client scope", "organization")
	}

	base := "/clients/" + esc(clientUUID)
	if _, err := k.do(ctx, "remove_optional_scope", http.MethodDelete, base+"/optional-client-scopes/"+esc(scopeID), nil, nil); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	_, err := k.do(ctx, "add_default_scope", http.MethodPut, base+"/default-client-scopes/"+esc(scopeID), nil, nil)
	return err
}

func (k *Keycloak) CreateUser(ctx context.Context, user User) (string, error) {
	return k.create(ctx, "create_user", "/users", user)
}

func (k *Keycloak) GetUserByID(ctx context.Context, userID string) (*User, error) {
	var user User
	if _, err := k.do(ctx, "get_user", http.MethodGet, "/users/"+esc(userID), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (k *Keycloak) DeleteUser(ctx context.Context, userID string) error {
	_, err := k.do(ctx, "delete_user", http.MethodDelete, "/users/"+esc(userID), nil, nil)
	return err
}

func (k *Keycloak) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var users []User
	q := url.Values{"email": {email}, "exact": {"true"}}
	if _, err := k.do(ctx, "find_user", http.MethodGet, "/users?"+q.Encode(), nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (k *Keycloak) SearchUsers(ctx context.Context, query string, first, limit int) ([]User, error) {
	var users []User
	q := url.Values{"first": {strconv.Itoa(first)}, "max": {strconv.Itoa(limit)}}
	if query != "" {
		q.Set("search", query)
	}
	_, err := k.do(ctx, "search_users", http.MethodGet, "/users?"+q.Encode(), nil, &users)
	return users, err
}

func (k *Keycloak) FindUsersByAttribute(ctx context.Context, name, value string) ([]User, error) {
	var users []User
	q := url.Values{"q": {name + ":" + value}, "exact": {"true"}, "briefRepresentation": {"false"}}
	_, err := k.do(ctx, "find_users_by_attribute", http.MethodGet, "/users?"+q.Encode(), nil, &users)
	return users, err
}

func (k *Keycloak) CountUsers(ctx context.Context) (int, error) {
	var n int
	_, err := k.do(ctx, "count_users", http.MethodGet, "/users/count", nil, &n)
	return n, err
}

func (k *Keycloak) EnableUser(ctx context.Context, userID string) error {
	return k.setUserEnabled(ctx, userID, true)
}

func (k *Keycloak) DisableUser(ctx context.Context, userID string) error {
	return k.setUserEnabled(ctx, userID, false)
}

func (k *Keycloak) setUserEnabled(ctx context.Context, userID string, enabled bool) error {
	_, err := k.do(ctx, "update_user", http.MethodPut, "/users/"+esc(userID), map[string]bool{"enabled": enabled}, nil)
	return err
}

func (k *Keycloak) LogoutUser(ctx context.Context, userID string) error {
	_, err := k.do(ctx, "logout_user", http.MethodPost, "/users/"+esc(userID)+"/logout", nil, nil)
	return err
}

func (k *Keycloak) ResetPassword(ctx context.Context, userID, password string, temporary bool) error {
	_, err := k.do(ctx, "reset_password", http.MethodPut, "/users/"+esc(userID)+"/reset-password", Credential{
		Type:      "password",
		Value:     password,
		Temporary: temporary,
	}, nil)
	return err
}

func (k *Keycloak) SendActionsEmail(ctx context.Context, userID string, actions []string) error {
	_, err := k.do(ctx, "execute_actions_email", http.MethodPut, "/users/"+esc(userID)+"/execute-actions-email", actions, nil)
	return err
}

func (k *Keycloak) AssignRealmRoles(ctx context.Context, userID string, roleNames []string) error {
	roles := make([]Role, 0, len(roleNames))
	for _, name := range roleNames {
		var role Role
		if _, err := k.do(ctx, "get_realm_role", http.MethodGet, "/roles/"+esc(name), nil, &role); err != nil {
			return err
		}
		roles = append(roles, role)
	}
	_, err := k.do(ctx, "assign_realm_roles", http.MethodPost, "/users/"+esc(userID)+"/role-mappings/realm", roles, nil)
	return err
}

func (k *Keycloak) AssignClientRoles(ctx context.Context, userID, clientUUID string, roleNames []string) error {
	roles, err := k.resolveClientRoles(ctx, clientUUID, roleNames)
	if err != nil {
		return err
	}
	p := "/users/" + esc(userID) + "/role-mappings/clients/" + esc(clientUUID)
	_, err = k.do(ctx, "assign_client_roles", http.MethodPost, p, roles, nil)
	return err
}

func (k *Keycloak) RemoveClientRoles(ctx context.Context, userID, clientUUID string, roleNames []string) error {
	roles, err := k.resolveClientRoles(ctx, clientUUID, roleNames)
	if err != nil {
		return err
	}
	p := "/users/" + esc(userID) + "/role-mappings/clients/" + esc(clientUUID)
	_, err = k.do(ctx, "remove_client_roles", http.MethodDelete, p, roles, nil)
	return err
}

func (k *Keycloak) GetUserClientRoles(ctx context.Context, userID, clientUUID string) ([]Role, error) {
	var roles []Role
	p := "/users/" + esc(userID) + "/role-mappings/clients/" + esc(clientUUID)
	_, err := k.do(ctx, "list_user_client_roles", http.MethodGet, p, nil, &roles)
	return roles, err
}

func (k *Keycloak) resolveClientRoles(ctx context.Context, clientUUID string, names []string) ([]Role, error) {
	roles := make([]Role, 0, len(names))
	for _, name := range names {
		role, err := k.GetClientRole(ctx, clientUUID, name)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

func (k *Keycloak) CreateOrganization(ctx context.Context, org Organization) (string, error) {
	return k.create(ctx, "create_organization", "/organizations", org)
}

func (k *Keycloak) SearchOrganizations(ctx context.Context, search string) ([]Organization, error) {
	var orgs []Organization
	q := url.Values{"search": {search}}
	_, err := k.do(ctx, "search_organizations", http.MethodGet, "/organizations?"+q.Encode(), nil, &orgs)
	return orgs, err
}

// UpdateOrganizationAttributes merges attrs into the organization's attributes.
func (k *Keycloak) UpdateOrganizationAttributes(ctx context.Context, orgID string, attrs map[string][]string) error {
	var org Organization
	if _, err := k.do(ctx, "get_organization", http.MethodGet, "/organizations/"+esc(orgID), nil, &org); err != nil {
		return err
	}
	if org.Attributes == nil {
		org.Attributes = make(map[string][]string, len(attrs))
	}
	for key, v := range attrs {
		org.Attributes[key] = v
	}
	_, err := k.do(ctx, "update_organization", http.MethodPut, "/organizations/"+esc(orgID), org, nil)
	return err
}

func (k *Keycloak) DeleteOrganization(ctx context.Context, orgID string) error {
	_, err := k.do(ctx, "delete_organization", http.MethodDelete, "/organizations/"+esc(orgID), nil, nil)
	return err
}

func (k *Keycloak) AddMember(ctx context.Context, orgID, userID string) error {
	// The endpoint takes the bare user id as a JSON string.
	_, err := k.do(ctx, "add_member", http.MethodPost, "/organizations/"+esc(orgID)+"/members", userID, nil)
	return err
}

func (k *Keycloak) RemoveMember(ctx context.Context, orgID, userID string) error {
	_, err := k.do(ctx, "remove_member", http.MethodDelete, "/organizations/"+esc(orgID)+"/members/"+esc(userID), nil, nil)
	return err
}

func (k *Keycloak) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	_, err := k.do(ctx, "get_member", http.MethodGet, "/organizations/"+esc(orgID)+"/members/"+esc(userID), nil, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (k *Keycloak) ListMembers(ctx context.Context, orgID string, first, limit int) ([]User, error) {
	var users []User
	q := url.Values{"first": {strconv.Itoa(first)}, "max": {strconv.Itoa(limit)}}
	_, err := k.do(ctx, "list_members", http.MethodGet, "/organizations/"+esc(orgID)+"/members?"+q.Encode(), nil, &users)
	return users, err
}

func (k *Keycloak) CountMembers(ctx context.Context, orgID string) (int, error) {
	var n int
	_, err := k.do(ctx, "count_members", http.MethodGet, "/organizations/"+esc(orgID)+"/members/count", nil, &n)
	return n, err
}

// create POSTs body and returns the id from the Location header.
func (k *Keycloak) create(ctx context.Context, op, p string, body any) (string, error) {
	header, err := k.do(ctx, op, http.MethodPost, p, body, nil)
	if err != nil {
		return "", err
	}
	location := header.Get("Location")
	if location == "" {
		return "", apperr.Unavailable(serviceName, fmt.Errorf("%s: response has no Location header", op))
	}
	return path.Base(location), nil
}

// do performs an authenticated admin call, retrying once with a fresh
// service token when the cached one is rejected.
func (k *Keycloak) do(ctx context.Context, op, method, p string, body, out any) (http.Header, error) {
	header, status, err := k.roundTrip(ctx, op, method, p, body, out)
	if status == http.StatusUnauthorized {
		k.tokens.Invalidate()
		header, _, err = k.roundTrip(ctx, op, method, p, body, out)
	}
	return header, err
}

func (k *Keycloak) roundTrip(ctx context.Context, op, method, p string, body, out any) (http.Header, int, error) {
	token, err := k.tokens.Token(ctx)
	if err != nil {
		return nil, 0, apperr.Unavailable(serviceName, fmt.Errorf("obtain service token: %w", err))
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, k.adminURL+p, reader)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := k.http.Do(req)
	if err != nil {
		metrics.ObserveExternal(serviceName, op, 0, started)
		if errors.Is(err, context.Canceled) {
			return nil, 0, err
		}
		return nil, 0, apperr.Unavailable(serviceName, fmt.Errorf("%s: %w", op, err))
	}
	defer resp.Body.Close()
	metrics.ObserveExternal(serviceName, op, resp.StatusCode, started)

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		k.log.Debugw("identity provider call failed", "op", op, "status", resp.StatusCode, "body", string(msg))
		return nil, resp.StatusCode, apperr.FromStatus(serviceName, resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return nil, resp.StatusCode, apperr.Unavailable(serviceName, fmt.Errorf("%s: decode response: %w", op, err))
		}
	}
	return resp.Header, resp.StatusCode, nil
}

func esc(s string) string {
	return url.PathEscape(s)
}
