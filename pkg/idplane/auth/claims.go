package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mikepea/idplane/pkg/idplane/metrics"
)

// Claims is the subset of identity-provider access-token claims the
// platform consumes.
type Claims struct {
	Email             string `json:"email,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access,omitempty"`
	// Organization is either a list of aliases or an object keyed by alias.
	Organization json.RawMessage `json:"organization,omitempty"`
	jwt.RegisteredClaims
}

// Extractor turns a raw bearer token into an Identity. ok is false when the
// token is absent, malformed or lacks a subject; extractors never fail loudly.
type Extractor interface {
	Extract(ctx context.Context, raw string) (*Identity, bool)
}

// UnverifiedExtractor decodes claims without checking signature, expiry or
// issuer. It is only safe behind an edge gateway that already validated the
// token.
type UnverifiedExtractor struct{}

func (UnverifiedExtractor) Extract(_ context.Context, raw string) (*Identity, bool) {
	return ParseIdentity(raw)
}

// ParseIdentity decodes the claims segment of raw into an Identity. Only the
// middle segment is read; the header and signature are never decoded.
func ParseIdentity(raw string) (*Identity, bool) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, false
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	return claims.Identity()
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Identity normalizes the claims. ok is false when the subject is missing.
func (c *Claims) Identity() (*Identity, bool) {
	if c.Subject == "" {
		return nil, false
	}

	productRoles := make(map[string][]string, len(c.ResourceAccess))
	for client, access := range c.ResourceAccess {
		productRoles[client] = dedupe(access.Roles)
	}

	alias, encoding := FirstOrganization(c.Organization)
	if encoding != "" {
		metrics.OrgClaimEncodings.WithLabelValues(encoding).Inc()
	}

	return &Identity{
		ID:             c.Subject,
		Email:          c.Email,
		Username:       c.PreferredUsername,
		FirstName:      c.GivenName,
		LastName:       c.FamilyName,
		RealmRoles:     dedupe(c.RealmAccess.Roles),
		ProductRoles:   productRoles,
		OrganizationID: alias,
	}, true
}

// FirstOrganization returns the first alias of an organization claim and the
// encoding it was found in ("list" or "map"). A list yields its first non-empty
// string; a map yields its lexicographically smallest non-empty key, since
// key order is not preserved by every decoder. Anything else yields an empty
// alias.
func FirstOrganization(raw json.RawMessage) (alias, encoding string) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ""
	}

	switch raw[0] {
	case '[':
		var list []any
		if err := json.Unmarshal(raw, &list); err != nil {
			return "", ""
		}
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				return s, "list"
			}
		}
		return "", "list"
	case '{':
		var orgs map[string]json.RawMessage
		if err := json.Unmarshal(raw, &orgs); err != nil {
			return "", ""
		}
		keys := make([]string, 0, len(orgs))
		for k := range orgs {
			if k != "" {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return "", "map"
		}
		return slices.Min(keys), "map"
	default:
		return "", ""
	}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
