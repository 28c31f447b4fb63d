package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-monitor/internal/api"
	"vehicle-monitor/internal/config"
	"vehicle-monitor/internal/domain/auth"
	"vehicle-monitor/internal/repository"
	"vehicle-monitor/internal/service"
	"vehicle-monitor/internal/session"
	"vehicle-monitor/internal/token"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{URL: "http://localhost:5001", Timeout: time.Second},
		Callback: config.CallbackConfig{Addr: "127.0.0.1:0"},
	}
}

func newTestRouter(t *testing.T) (http.Handler, *Handler, *session.Store) {
	t.Helper()
	store := session.NewStore(repository.NewMemoryRepository(), zerolog.Nop())
	client := api.NewClient("http://localhost:5001", time.Second, zerolog.Nop())
	svc := service.NewAuthService(client, token.NewCodec(), store, zerolog.Nop())

	cfg := testConfig()
	h := NewHandler(svc, cfg, zerolog.Nop())
	return NewRouter(cfg, h, zerolog.Nop()), h, store
}

func mint(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "11",
		"email": "g@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestCallback_StripsTokenAndSignsIn(t *testing.T) {
	router, h, store := newTestRouter(t)
	tok := mint(t)

	req := httptest.NewRequest(http.MethodGet, "/callback?token="+url.QueryEscape(tok)+"&authProvider=google", nil)
	req.Host = "127.0.0.1:5173"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "http://127.0.0.1:5173/callback", rec.Header().Get("Location"))

	stored, ok := store.AccessToken()
	assert.True(t, ok)
	assert.Equal(t, tok, stored)

	select {
	case out := <-h.Outcomes():
		require.NoError(t, out.Err)
		assert.Equal(t, "11", out.Identity.ID)
	default:
		t.Fatal("no outcome reported")
	}

	// Following the redirect shows the signed-in state.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			State string         `json:"state"`
			User  *auth.Identity `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "authenticated", body.Data.State)
	assert.Equal(t, "g@example.com", body.Data.User.Email)
}

func TestCallback_OAuthError(t *testing.T) {
	router, h, store := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	assert.Equal(t, "http://example.com/callback", location)
	assert.NotContains(t, location, "error=")
	_, ok := store.AccessToken()
	assert.False(t, ok)

	out := <-h.Outcomes()
	assert.Error(t, out.Err)

	// The landing page explains the failure.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "access_denied")
	assert.Contains(t, rec.Body.String(), "unauthenticated")
}

func TestCallback_ExpiredTokenIsStripped(t *testing.T) {
	router, h, store := newTestRouter(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "11",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/callback?token="+url.QueryEscape(tok)+"&authProvider=google", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	assert.Equal(t, "http://example.com/callback", location)
	assert.NotContains(t, location, "token=")
	assert.NotContains(t, location, "authProvider=")

	_, ok := store.AccessToken()
	assert.False(t, ok)

	out := <-h.Outcomes()
	var expired *auth.TokenExpiredError
	assert.ErrorAs(t, out.Err, &expired)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Contains(t, rec.Body.String(), auth.ReasonAuthFailed)
}

func TestCallback_FallsBackToConfiguredAddr(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/callback?token="+url.QueryEscape(mint(t)), nil)
	req.Host = ""
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "http://127.0.0.1:0/callback", rec.Header().Get("Location"))
}

func TestStartLogin(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://localhost:5001/google/login", rec.Header().Get("Location"))
}

func TestStatus_CORS(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://localhost:5001")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5001", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Body.String(), "unauthenticated")
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(), http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
}
