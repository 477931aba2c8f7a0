package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key holding the *Result of a request.
const ResultKey = "auth_result"

// Middleware guards gin routes. A nil service disables it.
type Middleware struct {
	service *Service
}

func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// Enabled reports whether requests are authenticated.
func (m *Middleware) Enabled() bool { return m != nil && m.service != nil }

// GinAuth authenticates the bearer token when one is present. Requests
// without credentials pass through; GinRequirePermission rejects them.
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		raw := bearer(c.Request)
		if raw == "" {
			c.Next()
			return
		}
		res, err := m.service.Verify(raw)
		if err != nil || !res.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Invalid credentials",
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}

// GinRequirePermission returns a Gin middleware that requires specific permissions
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}
		res, ok := FromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !HasPermission(res.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// Allowed reports whether the request behind c may perform action on
// resource. It is always true when auth is disabled.
func (m *Middleware) Allowed(c *gin.Context, resource, action string) bool {
	if !m.Enabled() {
		return true
	}
	res, ok := FromContext(c)
	return ok && HasPermission(res.Roles, resource, action)
}

// FromContext returns the authentication result stored by GinAuth.
func FromContext(c *gin.Context) (*Result, bool) {
	v, ok := c.Get(ResultKey)
	if !ok {
		return nil, false
	}
	res, ok := v.(*Result)
	return res, ok && res.Success
}

// bearer extracts the token from the Authorization header, falling back to
// the access_token query parameter for browser websocket clients.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
