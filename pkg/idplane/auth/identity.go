package auth

import (
	"slices"
	"strings"
)

// Realm roles known to the platform.
const (
	RolePlatformAdmin  = "platform_admin"
	RoleTenantAdmin    = "tenant_admin"
	RoleTenantEmployee = "tenant_employee"
	RoleEndUser        = "end_user"
)

// RoleAuditViewer is the control-plane client role that grants read access to
// the audit log without platform administration.
const RoleAuditViewer = "audit_viewer"

// InvitationRoles are the realm roles an invitation may grant.
var InvitationRoles = []string{RoleEndUser, RoleTenantEmployee, RoleTenantAdmin}

// serviceAccountPrefix marks the users the identity provider creates for
// confidential clients.
const serviceAccountPrefix = "service-account-"

// PlatformRealmRoles are the realm roles surfaced in every product's tokens.
var PlatformRealmRoles = []string{RolePlatformAdmin, RoleTenantAdmin, RoleTenantEmployee, RoleEndUser}

// Identity is the caller derived from bearer-token claims. It is built once
// per request and never persisted.
type Identity struct {
	ID        string
	Email     string
	Username  string
	FirstName string
	LastName  string

	RealmRoles []string
	// ProductRoles maps a product (client) id to the roles granted on it.
	ProductRoles map[string][]string
	// OrganizationID is the tenant alias taken from the organization claim.
	OrganizationID string
}

// HasRealmRole reports whether role is among the caller's realm roles.
func (i *Identity) HasRealmRole(role string) bool {
	return slices.Contains(i.RealmRoles, role)
}

// HasAnyRealmRole reports whether the realm roles intersect roles.
func (i *Identity) HasAnyRealmRole(roles ...string) bool {
	for _, r := range roles {
		if i.HasRealmRole(r) {
			return true
		}
	}
	return false
}

// RolesFor returns the roles granted on product.
func (i *Identity) RolesFor(product string) []string {
	return i.ProductRoles[product]
}

// HasAnyProductRole reports whether the roles on product intersect roles.
func (i *Identity) HasAnyProductRole(product string, roles ...string) bool {
	granted := i.ProductRoles[product]
	for _, r := range roles {
		if slices.Contains(granted, r) {
			return true
		}
	}
	return false
}

func (i *Identity) IsPlatformAdmin() bool {
	return i.HasRealmRole(RolePlatformAdmin)
}

// IsServiceAccount reports whether the token belongs to a client's service
// account rather than a person.
func (i *Identity) IsServiceAccount() bool {
	return strings.HasPrefix(i.Username, serviceAccountPrefix)
}
