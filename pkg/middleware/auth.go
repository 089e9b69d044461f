package middleware

import (
	"strings"

	"labdesk-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

const principalKey = "principal"

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type TokenVerifier interface {
	Verify(token string) (*Principal, error)
}

type Authorizer interface {
	Allowed(role, permission string) (bool, error)
}

// Guard authenticates bearer tokens and checks role permissions.
type Guard struct {
	verifier TokenVerifier
	authz    Authorizer
}

func NewGuard(v TokenVerifier, a Authorizer) *Guard {
	return &Guard{verifier: v, authz: a}
}

// Authenticated rejects requests without a valid bearer token.
func (g *Guard) Authenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := g.authenticate(c); !ok {
			return
		}
		c.Next()
	}
}

// Can rejects requests whose caller's role lacks permission.
func (g *Guard) Can(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := g.authenticate(c)
		if !ok {
			return
		}

		allowed, err := g.authz.Allowed(p.Role, permission)
		if err != nil {
			abort(c, errutil.Internal("failed to evaluate permission", err))
			return
		}
		if !allowed {
			abort(c, errutil.Forbidden("insufficient permission", nil))
			return
		}
		c.Next()
	}
}

func (g *Guard) authenticate(c *gin.Context) (*Principal, bool) {
	if p, ok := PrincipalFrom(c); ok {
		return p, true
	}

	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		abort(c, errutil.Unauthorized("missing bearer token", nil))
		return nil, false
	}

	p, err := g.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		abort(c, errutil.Unauthorized("invalid access token", err))
		return nil, false
	}

	c.Set(principalKey, p)
	return p, true
}

func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

func abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}
