// Package identity is the admin client for the external identity provider.
// Every method returns *apperr.Error values that distinguish not-found,
// conflict and unavailable.
package identity

import "context"

// ClientSpec describes an OIDC client to create.
type ClientSpec struct {
	ClientID                  string            `json:"clientId"`
	Name                      string            `json:"name,omitempty"`
	Description               string            `json:"description,omitempty"`
	Protocol                  string            `json:"protocol,omitempty"`
	Enabled                   bool              `json:"enabled"`
	PublicClient              bool              `json:"publicClient"`
	StandardFlowEnabled       bool              `json:"standardFlowEnabled"`
	DirectAccessGrantsEnabled bool              `json:"directAccessGrantsEnabled"`
	ServiceAccountsEnabled    bool              `json:"serviceAccountsEnabled"`
	FullScopeAllowed          bool              `json:"fullScopeAllowed"`
	RedirectURIs              []string          `json:"redirectUris,omitempty"`
	WebOrigins                []string          `json:"webOrigins,omitempty"`
	Attributes                map[string]string `json:"attributes,omitempty"`
}

// Role is a realm or client role.
type Role struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Composite   bool   `json:"composite,omitempty"`
	ClientRole  bool   `json:"clientRole,omitempty"`
}

// Credential is a user credential supplied at creation or reset.
type Credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// User is an identity-provider user.
type User struct {
	ID               string              `json:"id,omitempty"`
	Username         string              `json:"username,omitempty"`
	Email            string              `json:"email,omitempty"`
	FirstName        string              `json:"firstName,omitempty"`
	LastName         string              `json:"lastName,omitempty"`
	Enabled          bool                `json:"enabled"`
	EmailVerified    bool                `json:"emailVerified,omitempty"`
	Attributes       map[string][]string `json:"attributes,omitempty"`
	Credentials      []Credential        `json:"credentials,omitempty"`
	RequiredActions  []string            `json:"requiredActions,omitempty"`
	CreatedTimestamp int64               `json:"createdTimestamp,omitempty"`
}

// Organization is an identity-provider organization (tenant).
type Organization struct {
	ID          string              `json:"id,omitempty"`
	Name        string              `json:"name"`
	Alias       string              `json:"alias,omitempty"`
	Enabled     bool                `json:"enabled"`
	Description string              `json:"description,omitempty"`
	Attributes  map[string][]string `json:"attributes,omitempty"`
}

// Client is the identity-provider administration surface used by idplane.
type Client interface {
	CreateClient(ctx context.Context, spec ClientSpec) (string, error)
	DeleteClient(ctx context.Context, clientUUID string) error
	GetClientUUID(ctx context.Context, clientID string) (string, error)
	GetClientSecret(ctx context.Context, clientUUID string) (string, error)

	GetRealmRoles(ctx context.Context) ([]Role, error)
	GetClientRoles(ctx context.Context, clientUUID string) ([]Role, error)
	GetClientRole(ctx context.Context, clientUUID, name string) (*Role, error)
	CreateClientRole(ctx context.Context, clientUUID string, role Role) error
	DeleteClientRole(ctx context.Context, clientUUID, name string) error
	AddCompositeRoles(ctx context.Context, clientUUID, roleName string, composites []Role) error
	GetCompositeRoles(ctx context.Context, clientUUID, roleName string) ([]Role, error)
	AddRealmRoleScopeMappings(ctx context.Context, clientUUID string, roles []Role) error
	AddClientRoleScopeMappings(ctx context.Context, clientUUID, roleClientUUID string, roles []Role) error
	MoveOrganizationScopeToDefault(ctx context.Context, clientUUID string) error

	CreateUser(ctx context.Context, user User) (string, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
	DeleteUser(ctx context.Context, userID string) error
	// GetUserByEmail returns nil, nil when no user has the email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// SearchUsers matches query against username, email and names.
	SearchUsers(ctx context.Context, query string, first, limit int) ([]User, error)
	// FindUsersByAttribute returns the users whose attribute name equals value.
	FindUsersByAttribute(ctx context.Context, name, value string) ([]User, error)
	CountUsers(ctx context.Context) (int, error)
	EnableUser(ctx context.Context, userID string) error
	DisableUser(ctx context.Context, userID string) error
	LogoutUser(ctx context.Context, userID string) error
	ResetPassword(ctx context.Context, userID, password string, temporary bool) error
	SendActionsEmail(ctx context.Context, userID string, actions []string) error
	AssignRealmRoles(ctx context.Context, userID string, roleNames []string) error
	AssignClientRoles(ctx context.Context, userID, clientUUID string, roleNames []string) error
	RemoveClientRoles(ctx context.Context, userID, clientUUID string, roleNames []string) error
	GetUserClientRoles(ctx context.Context, userID, clientUUID string) ([]Role, error)

	CreateOrganization(ctx context.Context, org Organization) (string, error)
	SearchOrganizations(ctx context.Context, search string) ([]Organization, error)
	UpdateOrganizationAttributes(ctx context.Context, orgID string, attrs map[string][]string) error
	DeleteOrganization(ctx context.Context, orgID string) error
	AddMember(ctx context.Context, orgID, userID string) error
	RemoveMember(ctx context.Context, orgID, userID string) error
	IsMember(ctx context.Context, orgID, userID string) (bool, error)
	ListMembers(ctx context.Context, orgID string, first, limit int) ([]User, error)
	CountMembers(ctx context.Context, orgID string) (int, error)
}

// RoleNames returns the names of roles.
func RoleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	return names
}
