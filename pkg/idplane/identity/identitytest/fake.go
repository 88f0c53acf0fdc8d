// Package identitytest provides an in-memory identity.Client for tests.
package identitytest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mikepea/idplane/pkg/idplane/apperr"
	"github.com/mikepea/idplane/pkg/idplane/identity"
)

// Fake is an in-memory identity provider. Set Fail to make a method return
// an error; every call is recorded in Calls as "Method:arg".
type Fake struct {
	mu sync.Mutex

	Fail  map[string]error
	Calls []string

	RealmRoles    []identity.Role
	Clients       map[string]identity.ClientSpec // uuid -> spec
	Secrets       map[string]string              // uuid -> secret
	ClientRoles   map[string][]identity.Role     // uuid -> roles
	Composites    map[string][]identity.Role     // uuid/role -> composites
	ScopeMappings map[string][]string            // uuid -> role names
	DefaultScoped map[string]bool                // uuid -> organization scope is default
	Users         map[string]*identity.User
	UserRealm     map[string][]string            // user -> realm roles
	UserClient    map[string][]string            // user/clientUUID -> roles
	Orgs          map[string]*identity.Organization
	Members       map[string][]string            // org -> user ids

	seq int
}

// New returns a Fake seeded with the platform realm roles.
func New() *Fake {
	return &Fake{
		Fail: map[string]error{},
		RealmRoles: []identity.Role{
			{ID: "r1", Name: "platform_admin"},
			{ID: "r2", Name: "tenant_admin"},
			{ID: "r3", Name: "tenant_employee"},
			{ID: "r4", Name: "end_user"},
			{ID: "r5", Name: "offline_access"},
		},
		Clients:       map[string]identity.ClientSpec{},
		Secrets:       map[string]string{},
		ClientRoles:   map[string][]identity.Role{},
		Composites:    map[string][]identity.Role{},
		ScopeMappings: map[string][]string{},
		DefaultScoped: map[string]bool{},
		Users:         map[string]*identity.User{},
		UserRealm:     map[string][]string{},
		UserClient:    map[string][]string{},
		Orgs:          map[string]*identity.Organization{},
		Members:       map[string][]string{},
	}
}

// Called reports whether call appears in Calls.
func (f *Fake) Called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.Calls, call)
}

// CallsTo returns the recorded calls of method, in order.
func (f *Fake) CallsTo(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, method+":") {
			out = append(out, c)
		}
	}
	return out
}

// AddUser seeds a user and returns its id.
func (f *Fake) AddUser(u identity.User) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u.ID == "" {
		u.ID = f.nextID("user")
	}
	f.Users[u.ID] = &u
	return u.ID
}

// AddMemberDirect seeds an organization membership.
func (f *Fake) AddMemberDirect(orgID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Members[orgID] = append(f.Members[orgID], userID)
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) record(method, arg string) error {
	f.Calls = append(f.Calls, method+":"+arg)
	if err, ok := f.Fail[method]; ok {
		return err
	}
	return nil
}

func (f *Fake) CreateClient(_ context.Context, spec identity.ClientSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateClient", spec.ClientID); err != nil {
		return "", err
	}
	for _, c := range f.Clients {
		if c.ClientID == spec.ClientID {
			return "", apperr.FromStatus("keycloak", 409, "client exists")
		}
	}
	id := f.nextID("client")
	f.Clients[id] = spec
	if !spec.PublicClient {
		f.Secrets[id] = "secret-" + spec.ClientID
	}
	return id, nil
}

func (f *Fake) DeleteClient(_ context.Context, clientUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteClient", clientUUID); err != nil {
		return err
	}
	delete(f.Clients, clientUUID)
	return nil
}

func (f *Fake) GetClientUUID(_ context.Context, clientID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetClientUUID", clientID); err != nil {
		return "", err
	}
	for id, c := range f.Clients {
		if c.ClientID == clientID {
			return id, nil
		}
	}
	return "", apperr.NotFound("Client", clientID)
}

func (f *Fake) GetClientSecret(_ context.Context, clientUUID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetClientSecret", clientUUID); err != nil {
		return "", err
	}
	return f.Secrets[clientUUID], nil
}

func (f *Fake) GetRealmRoles(_ context.Context) ([]identity.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetRealmRoles", ""); err != nil {
		return nil, err
	}
	return slices.Clone(f.RealmRoles), nil
}

func (f *Fake) GetClientRoles(_ context.Context, clientUUID string) ([]identity.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetClientRoles", clientUUID); err != nil {
		return nil, err
	}
	return slices.Clone(f.ClientRoles[clientUUID]), nil
}

func (f *Fake) GetClientRole(_ context.Context, clientUUID, name string) (*identity.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetClientRole", clientUUID+"/"+name); err != nil {
		return nil, err
	}
	for _, r := range f.ClientRoles[clientUUID] {
		if r.Name == name {
			r := r
			return &r, nil
		}
	}
	return nil, apperr.NotFound("Role", name)
}

func (f *Fake) CreateClientRole(_ context.Context, clientUUID string, role identity.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateClientRole", clientUUID+"/"+role.Name); err != nil {
		return err
	}
	for _, r := range f.ClientRoles[clientUUID] {
		if r.Name == role.Name {
			return apperr.FromStatus("keycloak", 409, "role exists")
		}
	}
	role.ID = f.nextID("role")
	role.ClientRole = true
	f.ClientRoles[clientUUID] = append(f.ClientRoles[clientUUID], role)
	return nil
}

func (f *Fake) DeleteClientRole(_ context.Context, clientUUID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteClientRole", clientUUID+"/"+name); err != nil {
		return err
	}
	roles := f.ClientRoles[clientUUID]
	for i, r := range roles {
		if r.Name == name {
			f.ClientRoles[clientUUID] = append(roles[:i:i], roles[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("Role", name)
}

func (f *Fake) AddCompositeRoles(_ context.Context, clientUUID, roleName string, composites []identity.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddCompositeRoles", clientUUID+"/"+roleName); err != nil {
		return err
	}
	key := clientUUID + "/" + roleName
	f.Composites[key] = append(f.Composites[key], composites...)
	return nil
}

func (f *Fake) GetCompositeRoles(_ context.Context, clientUUID, roleName string) ([]identity.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetCompositeRoles", clientUUID+"/"+roleName); err != nil {
		return nil, err
	}
	return slices.Clone(f.Composites[clientUUID+"/"+roleName]), nil
}

func (f *Fake) AddRealmRoleScopeMappings(_ context.Context, clientUUID string, roles []identity.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddRealmRoleScopeMappings", clientUUID); err != nil {
		return err
	}
	f.ScopeMappings[clientUUID] = append(f.ScopeMappings[clientUUID], identity.RoleNames(roles)...)
	return nil
}

func (f *Fake) AddClientRoleScopeMappings(_ context.Context, clientUUID, roleClientUUID string, roles []identity.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddClientRoleScopeMappings", clientUUID+"/"+roleClientUUID); err != nil {
		return err
	}
	f.ScopeMappings[clientUUID] = append(f.ScopeMappings[clientUUID], identity.RoleNames(roles)...)
	return nil
}

func (f *Fake) MoveOrganizationScopeToDefault(_ context.Context, clientUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("MoveOrganizationScopeToDefault", clientUUID); err != nil {
		return err
	}
	f.DefaultScoped[clientUUID] = true
	return nil
}

func (f *Fake) CreateUser(_ context.Context, user identity.User) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateUser", user.Email); err != nil {
		return "", err
	}
	for _, u := range f.Users {
		if strings.EqualFold(u.Email, user.Email) {
			return "", apperr.FromStatus("keycloak", 409, "user exists")
		}
	}
	user.ID = f.nextID("user")
	f.Users[user.ID] = &user
	return user.ID, nil
}

func (f *Fake) GetUserByID(_ context.Context, userID string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetUserByID", userID); err != nil {
		return nil, err
	}
	u, ok := f.Users[userID]
	if !ok {
		return nil, apperr.NotFound("User", userID)
	}
	copied := *u
	return &copied, nil
}

func (f *Fake) DeleteUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteUser", userID); err != nil {
		return err
	}
	if _, ok := f.Users[userID]; !ok {
		return apperr.NotFound("User", userID)
	}
	delete(f.Users, userID)
	delete(f.UserRealm, userID)
	return nil
}

func (f *Fake) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetUserByEmail", email); err != nil {
		return nil, err
	}
	for _, u := range f.Users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *Fake) SearchUsers(_ context.Context, query string, first, limit int) ([]identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SearchUsers", query); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.Users))
	for id := range f.Users {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []identity.User
	for _, id := range ids {
		u := f.Users[id]
		if query == "" || strings.Contains(u.Username, query) || strings.Contains(u.Email, query) ||
			strings.Contains(u.FirstName, query) || strings.Contains(u.LastName, query) {
			out = append(out, *u)
		}
	}
	return page(out, first, limit), nil
}

func (f *Fake) FindUsersByAttribute(_ context.Context, name, value string) ([]identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("FindUsersByAttribute", name+"="+value); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(f.Users))
	for id := range f.Users {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []identity.User
	for _, id := range ids {
		if u := f.Users[id]; slices.Contains(u.Attributes[name], value) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *Fake) CountUsers(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CountUsers", ""); err != nil {
		return 0, err
	}
	return len(f.Users), nil
}

func (f *Fake) EnableUser(_ context.Context, userID string) error {
	return f.setEnabled("EnableUser", userID, true)
}

func (f *Fake) DisableUser(_ context.Context, userID string) error {
	return f.setEnabled("DisableUser", userID, false)
}

func (f *Fake) setEnabled(method, userID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(method, userID); err != nil {
		return err
	}
	u, ok := f.Users[userID]
	if !ok {
		return apperr.NotFound("User", userID)
	}
	u.Enabled = enabled
	return nil
}

func (f *Fake) LogoutUser(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("LogoutUser", userID)
}

func (f *Fake) ResetPassword(_ context.Context, userID, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("ResetPassword", userID)
}

func (f *Fake) SendActionsEmail(_ context.Context, userID string, actions []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("SendActionsEmail", userID+"/"+strings.Join(actions, ","))
}

func (f *Fake) AssignRealmRoles(_ context.Context, userID string, roleNames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AssignRealmRoles", userID+"/"+strings.Join(roleNames, ",")); err != nil {
		return err
	}
	for _, name := range roleNames {
		if !slices.ContainsFunc(f.RealmRoles, func(r identity.Role) bool { return r.Name == name }) {
			return apperr.NotFound("Role", name)
		}
	}
	f.UserRealm[userID] = append(f.UserRealm[userID], roleNames...)
	return nil
}

func (f *Fake) AssignClientRoles(_ context.Context, userID, clientUUID string, roleNames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AssignClientRoles", userID+"/"+clientUUID+"/"+strings.Join(roleNames, ",")); err != nil {
		return err
	}
	key := userID + "/" + clientUUID
	f.UserClient[key] = append(f.UserClient[key], roleNames...)
	return nil
}

func (f *Fake) RemoveClientRoles(_ context.Context, userID, clientUUID string, roleNames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveClientRoles", userID+"/"+clientUUID+"/"+strings.Join(roleNames, ",")); err != nil {
		return err
	}
	key := userID + "/" + clientUUID
	f.UserClient[key] = slices.DeleteFunc(f.UserClient[key], func(r string) bool {
		return slices.Contains(roleNames, r)
	})
	return nil
}

func (f *Fake) GetUserClientRoles(_ context.Context, userID, clientUUID string) ([]identity.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetUserClientRoles", userID+"/"+clientUUID); err != nil {
		return nil, err
	}
	var roles []identity.Role
	for _, name := range f.UserClient[userID+"/"+clientUUID] {
		roles = append(roles, identity.Role{Name: name, ClientRole: true})
	}
	return roles, nil
}

func (f *Fake) CreateOrganization(_ context.Context, org identity.Organization) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateOrganization", org.Alias); err != nil {
		return "", err
	}
	for _, o := range f.Orgs {
		if o.Alias == org.Alias || o.Name == org.Name {
			return "", apperr.FromStatus("keycloak", 409, "organization exists")
		}
	}
	org.ID = f.nextID("org")
	f.Orgs[org.ID] = &org
	return org.ID, nil
}

func (f *Fake) SearchOrganizations(_ context.Context, search string) ([]identity.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SearchOrganizations", search); err != nil {
		return nil, err
	}
	var out []identity.Organization
	for _, o := range f.Orgs {
		if strings.Contains(o.Name, search) || strings.Contains(o.Alias, search) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *Fake) UpdateOrganizationAttributes(_ context.Context, orgID string, attrs map[string][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("UpdateOrganizationAttributes", orgID); err != nil {
		return err
	}
	o, ok := f.Orgs[orgID]
	if !ok {
		return apperr.NotFound("Organization", orgID)
	}
	if o.Attributes == nil {
		o.Attributes = map[string][]string{}
	}
	for k, v := range attrs {
		o.Attributes[k] = v
	}
	return nil
}

func (f *Fake) DeleteOrganization(_ context.Context, orgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteOrganization", orgID); err != nil {
		return err
	}
	delete(f.Orgs, orgID)
	delete(f.Members, orgID)
	return nil
}

func (f *Fake) AddMember(_ context.Context, orgID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddMember", orgID+"/"+userID); err != nil {
		return err
	}
	if slices.Contains(f.Members[orgID], userID) {
		return apperr.FromStatus("keycloak", 409, "already a member")
	}
	f.Members[orgID] = append(f.Members[orgID], userID)
	return nil
}

func (f *Fake) RemoveMember(_ context.Context, orgID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveMember", orgID+"/"+userID); err != nil {
		return err
	}
	f.Members[orgID] = slices.DeleteFunc(f.Members[orgID], func(id string) bool { return id == userID })
	return nil
}

func (f *Fake) IsMember(_ context.Context, orgID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IsMember", orgID+"/"+userID); err != nil {
		return false, err
	}
	return slices.Contains(f.Members[orgID], userID), nil
}

func (f *Fake) ListMembers(_ context.Context, orgID string, first, limit int) ([]identity.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListMembers", orgID); err != nil {
		return nil, err
	}
	var out []identity.User
	for _, id := range f.Members[orgID] {
		if u, ok := f.Users[id]; ok {
			out = append(out, *u)
		} else {
			out = append(out, identity.User{ID: id})
		}
	}
	return page(out, first, limit), nil
}

func (f *Fake) CountMembers(_ context.Context, orgID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CountMembers", orgID); err != nil {
		return 0, err
	}
	return len(f.Members[orgID]), nil
}

func page(users []identity.User, first, limit int) []identity.User {
	if first >= len(users) {
		return nil
	}
	users = users[first:]
	if limit > 0 && limit < len(users) {
		users = users[:limit]
	}
	return users
}

var _ identity.Client = (*Fake)(nil)
