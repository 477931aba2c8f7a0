package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSecret           = errors.New("auth: jwt secret is required")
)

// Roles understood by HasPermission.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Resources and actions guarded by the API.
const (
	ResourceMonitor = "monitor"
	ResourceSources = "sources"
	ResourceActions = "actions"

	ActionRead    = "read"
	ActionWrite   = "write"
	ActionExecute = "execute"
)

// Result represents the result of authentication
type Result struct {
	Success bool     `json:"success"`
	Subject string   `json:"subject,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Token represents a signed JWT
type Token struct {
	Type      string    `json:"type"`  // "Bearer"
	Value     string    `json:"value"` // JWT token string
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims represents JWT claims
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"` // e.g., "monitor", "sources", "actions"
	Action   string `json:"action"`   // e.g., "read", "write", "execute"
}

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleOperator: {
		{Resource: ResourceMonitor, Action: ActionRead},
		{Resource: ResourceMonitor, Action: ActionWrite},
		{Resource: ResourceSources, Action: ActionWrite},
		{Resource: ResourceActions, Action: ActionExecute},
	},
	RoleViewer: {
		{Resource: ResourceMonitor, Action: ActionRead},
	},
}

// HasPermission checks if any of roles grants action on resource.
func HasPermission(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, perm := range rolePermissions[role] {
			if (perm.Resource == "*" || perm.Resource == resource) &&
				(perm.Action == "*" || perm.Action == action) {
				return true
			}
		}
	}
	return false
}
