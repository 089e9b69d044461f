package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"labdesk-controlplane/pkg/accesscontrol"
	"labdesk-controlplane/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type staticVerifier map[string]*Principal

func (v staticVerifier) Verify(token string) (*Principal, error) {
	if p, ok := v[token]; ok {
		return p, nil
	}
	return nil, errors.New("unknown token")
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	enforcer, err := accesscontrol.New()
	require.NoError(t, err)

	g := NewGuard(staticVerifier{
		"front": {UserID: "u1", Role: accesscontrol.RoleFrontOffice},
		"super": {UserID: "u2", Role: accesscontrol.RoleSuperAdmin},
	}, enforcer)

	r := gin.New()
	r.Use(Error())
	r.GET("/items", g.Can(accesscontrol.PermissionView), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.DELETE("/items", g.Can(accesscontrol.PermissionDelete), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/me", g.Authenticated(), func(c *gin.Context) {
		p, _ := PrincipalFrom(c)
		c.JSON(http.StatusOK, p)
	})
	r.GET("/boom", func(c *gin.Context) { _ = c.Error(errutil.NotFound("thing not found", nil)) })
	r.GET("/raw", func(c *gin.Context) { _ = c.Error(errors.New("kaboom")) })
	return r
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGuard(t *testing.T) {
	r := newTestRouter(t)

	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/items", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/items", "forged").Code)
	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/items", "front").Code)
	require.Equal(t, http.StatusForbidden, do(r, http.MethodDelete, "/items", "front").Code)
	require.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/items", "super").Code)

	rec := do(r, http.MethodGet, "/me", "super")
	require.Equal(t, http.StatusOK, rec.Code)
	var p Principal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, "u2", p.UserID)
}

func TestErrorRendering(t *testing.T) {
	r := newTestRouter(t)

	rec := do(r, http.MethodGet, "/boom", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "not_found", body.Error.Code)
	require.Equal(t, "thing not found", body.Error.Message)

	rec = do(r, http.MethodGet, "/raw", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "kaboom")
}
