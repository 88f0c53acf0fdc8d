package routes

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mikepea/idplane/pkg/idplane/auth"
)

// Headers written by the gateway for the backend.
const (
	HeaderUserinfo     = "X-Userinfo"
	HeaderUserID       = "X-User-Id"
	HeaderUserEmail    = "X-User-Email"
	HeaderUserRoles    = "X-User-Roles"
	HeaderClientRoles  = "X-Client-Roles"
	HeaderOrganization = "X-Organization-Id"
)

// claimsScript is the gateway-side rule, run before proxying. It must stay
// equivalent to PropagatedHeaders.
func claimsScript(slug string) string {
	return strings.ReplaceAll(`return function(conf, ctx)
  local core = require("apisix.core")
  local hdr = core.request.header(ctx, "X-Userinfo")
  if not hdr then return end
  core.request.set_header(ctx, "X-Userinfo", nil)
  local json_str = ngx.decode_base64(hdr)
  if not json_str then return end
  local payload = require("cjson.safe").decode(json_str)
  if type(payload) ~= "table" then return end
  local function present(v) return type(v) == "string" and v ~= "" end
  if present(payload.sub) then core.request.set_header(ctx, "X-User-Id", payload.sub) end
  if present(payload.email) then core.request.set_header(ctx, "X-User-Email", payload.email) end
  if payload.realm_access and payload.realm_access.roles then
    core.request.set_header(ctx, "X-User-Roles", table.concat(payload.realm_access.roles, ","))
  end
  local ra = payload.resource_access
  if ra and ra["{{slug}}"] and ra["{{slug}}"].roles then
    core.request.set_header(ctx, "X-Client-Roles", table.concat(ra["{{slug}}"].roles, ","))
  end
  local org = payload.organization
  local alias
  if type(org) == "table" then
    if org[1] ~= nil then
      for _, v in ipairs(org) do
        if present(v) then alias = v break end
      end
    else
      local keys = {}
      for k in pairs(org) do
        if present(k) then keys[#keys + 1] = k end
      end
      table.sort(keys)
      alias = keys[1]
    end
  end
  if alias then core.request.set_header(ctx, "X-Organization-Id", alias) end
end`, "{{slug}}", slug)
}

type userinfo struct {
	Sub         string `json:"sub"`
	Email       string `json:"email"`
	RealmAccess *struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`
	Organization json.RawMessage `json:"organization"`
}

// PropagatedHeaders applies the claim propagation rule to an inbound request
// header set for the product slug. It returns the headers the backend sees:
// X-Userinfo is always removed, and claim headers are added when the
// assertion decodes.
func PropagatedHeaders(in map[string]string, slug string) map[string]string {
	out := make(map[string]string, len(in)+5)
	for k, v := range in {
		out[k] = v
	}
	raw, ok := out[HeaderUserinfo]
	if !ok {
		return out
	}
	delete(out, HeaderUserinfo)

	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return out
	}
	var info userinfo
	if err := json.Unmarshal(decoded, &info); err != nil {
		return out
	}

	if info.Sub != "" {
		out[HeaderUserID] = info.Sub
	}
	if info.Email != "" {
		out[HeaderUserEmail] = info.Email
	}
	if info.RealmAccess != nil && info.RealmAccess.Roles != nil {
		out[HeaderUserRoles] = strings.Join(info.RealmAccess.Roles, ",")
	}
	if access, ok := info.ResourceAccess[slug]; ok && access.Roles != nil {
		out[HeaderClientRoles] = strings.Join(access.Roles, ",")
	}
	if alias, _ := auth.FirstOrganization(info.Organization); alias != "" {
		out[HeaderOrganization] = alias
	}
	return out
}
