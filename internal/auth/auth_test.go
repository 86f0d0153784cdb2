package auth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/sculpture-forge/internal/config"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := &config.Config{
		AppUsername:     "admin",
		AppPasswordHash: string(hash),
		SessionSecret:   "test-secret",
	}
	manager := NewManager(cfg, nil)

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	router.POST("/login", manager.Login)
	protected := router.Group("/admin", manager.RequireLogin(), manager.VerifyCSRF())
	protected.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextUserKey)) })
	protected.DELETE("/cache", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func login(router *gin.Engine, password string) *httptest.ResponseRecorder {
	body := bytes.NewBufferString(`{"username":"admin","password":"` + password + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/login", body)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLoginAndProtectedRoutes(t *testing.T) {
	router := newTestRouter(t)

	w := login(router, "s3cret")
	require.Equal(t, http.StatusNoContent, w.Code)
	token := w.Header().Get(CSRFHeader)
	require.NotEmpty(t, token)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", w.Body.String())

	req = httptest.NewRequest(http.MethodDelete, "/admin/cache", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code, "missing csrf token")

	req = httptest.NewRequest(http.MethodDelete, "/admin/cache", nil)
	req.AddCookie(cookies[0])
	req.Header.Set(CSRFHeader, token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRouteRequiresSession(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < maxLoginAttempts; i++ {
		w := login(router, "wrong")
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := login(router, "s3cret")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}
