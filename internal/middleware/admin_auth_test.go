package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/solemn/internal/pkg/jwt"
)

var testSecret = []byte("middleware-secret")

type fakeAuth struct {
	enabled bool
	revoked map[string]bool
}

func (f *fakeAuth) Enabled() bool { return f.enabled }

func (f *fakeAuth) CheckCredentials(ctx context.Context, username, password string) bool {
	return username == "admin" && password == "s3cret"
}

func (f *fakeAuth) ParseToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := jwt.ParseToken(token, testSecret)
	if err != nil {
		return nil, err
	}
	if f.revoked[claims.TokenID()] {
		return nil, errors.New("revoked")
	}
	return claims, nil
}

func runAdminAuth(auth AdminAuthenticator, req *http.Request) (*httptest.ResponseRecorder, *gin.Context) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	AdminAuth(auth)(c)
	return w, c
}

func TestAdminAuth_Disabled(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/admin/submissions", nil)
	req.SetBasicAuth("admin", "s3cret")
	w, c := runAdminAuth(&fakeAuth{enabled: false}, req)
	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminAuth_Basic(t *testing.T) {
	auth := &fakeAuth{enabled: true}

	req := httptest.NewRequest("GET", "/api/v1/admin/submissions", nil)
	req.SetBasicAuth("admin", "s3cret")
	_, c := runAdminAuth(auth, req)
	require.False(t, c.IsAborted())
	require.Equal(t, "admin", AdminFromContext(c))
	require.Nil(t, ClaimsFromContext(c))

	req = httptest.NewRequest("GET", "/api/v1/admin/submissions", nil)
	req.SetBasicAuth("admin", "wrong")
	w, c := runAdminAuth(auth, req)
	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, basicRealm, w.Header().Get("WWW-Authenticate"))
}

func TestAdminAuth_Bearer(t *testing.T) {
	auth := &fakeAuth{enabled: true, revoked: map[string]bool{}}
	token, err := jwt.GenerateToken("admin", jwt.RoleAdmin, testSecret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/admin/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, c := runAdminAuth(auth, req)
	require.False(t, c.IsAborted())
	claims := ClaimsFromContext(c)
	require.NotNil(t, claims)
	require.Equal(t, "admin", claims.Username)

	auth.revoked[claims.TokenID()] = true
	req = httptest.NewRequest("GET", "/api/v1/admin/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w, c := runAdminAuth(auth, req)
	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_BearerWrongRole(t *testing.T) {
	token, err := jwt.GenerateToken("someone", "viewer", testSecret, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/api/v1/admin/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, c := runAdminAuth(&fakeAuth{enabled: true}, req)
	require.True(t, c.IsAborted())
}

func TestAdminAuth_Missing(t *testing.T) {
	w, c := runAdminAuth(&fakeAuth{enabled: true}, httptest.NewRequest("GET", "/", nil))
	require.True(t, c.IsAborted())
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
