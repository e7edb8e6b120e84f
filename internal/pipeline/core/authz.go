// Package core defines subscriber identities and permission checks.
package core

import "crypto/subtle"

// Roles recognised by the default authorizer.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Permissions checked when joining privileged channels.
const (
	PermissionViewDetections = "view_detections"
	PermissionManagePlates   = "manage_plates"
	PermissionManageCameras  = "manage_cameras"
	PermissionManageUsers    = "manage_users"
	PermissionViewAnalytics  = "view_analytics"
	PermissionSystemSettings = "system_settings"
)

// Identity is the logical user attached to a subscriber.
type Identity struct {
	UserID      string   `json:"userId" yaml:"user_id"`
	Role        string   `json:"role" yaml:"role"`
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Authorizer answers whether an identity holds a permission.
type Authorizer interface {
	Allowed(identity Identity, permission string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(identity Identity, permission string) bool

// Allowed calls f.
func (f AuthorizerFunc) Allowed(identity Identity, permission string) bool {
	return f(identity, permission)
}

// RoleAuthorizer grants admins everything and others their listed permissions.
type RoleAuthorizer struct{}

// Allowed reports whether identity holds permission.
func (RoleAuthorizer) Allowed(identity Identity, permission string) bool {
	if identity.Role == RoleAdmin {
		return true
	}
	for _, granted := range identity.Permissions {
		if granted == permission {
			return true
		}
	}
	return false
}

// DefaultChannelPermissions maps privileged channels to the permission they require.
func DefaultChannelPermissions() map[string]string {
	return map[string]string{
		"ops":     PermissionSystemSettings,
		"cameras": PermissionManageCameras,
		"plates":  PermissionManagePlates,
	}
}

// TokenResolver maps bearer tokens to identities. The admin token resolves to
// an admin identity. When tokens are not required, a claimed identity is
// accepted as is.
type TokenResolver struct {
	adminToken   string
	observers    map[string]Identity
	requireToken bool
}

// NewTokenResolver constructs a resolver.
func NewTokenResolver(adminToken string, observers map[string]Identity, requireToken bool) *TokenResolver {
	copied := make(map[string]Identity, len(observers))
	for token, identity := range observers {
		copied[token] = identity
	}
	return &TokenResolver{adminToken: adminToken, observers: copied, requireToken: requireToken}
}

// IsAdmin reports whether token equals the admin token.
func (r *TokenResolver) IsAdmin(token string) bool {
	if r == nil || r.adminToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.adminToken)) == 1
}

// Resolve returns the identity for token, or claimed when tokens are optional.
func (r *TokenResolver) Resolve(token string, claimed Identity) (Identity, error) {
	if r == nil {
		return Identity{}, Wrap(CodeUnavailable, "token resolver unavailable", nil)
	}
	if r.IsAdmin(token) {
		return Identity{UserID: "admin", Role: RoleAdmin}, nil
	}
	if identity, ok := r.observers[token]; ok && token != "" {
		return identity, nil
	}
	if r.requireToken {
		return Identity{}, Wrap(CodeUnauthorized, "invalid token", nil)
	}
	if claimed.UserID == "" {
		return Identity{}, Wrap(CodeInvalidInput, "user id is required", nil)
	}
	if claimed.Role == RoleAdmin {
		return Identity{}, Wrap(CodeForbidden, "admin role requires a token", nil)
	}
	return claimed, nil
}
