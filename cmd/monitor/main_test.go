package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func newFakeService(t *testing.T) *httptest.Server {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "1",
		"email": "a@b.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/login", func(c *gin.Context) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Password != "x" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tok,
			"refresh_token": "r",
			"user":          gin.H{"id": 1, "email": req.Email, "username": "ann"},
		})
	})
	r.POST("/logout", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T, serverURL, backend string) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("MONITOR_SERVER_URL", serverURL)
	t.Setenv("MONITOR_SESSION_BACKEND", backend)
	t.Setenv("MONITOR_LOG_LEVEL", "error")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "vehicle-monitor version "+version)
}

func TestLoginWhoamiLogout(t *testing.T) {
	keyring.MockInit()
	srv := newFakeService(t)
	setupEnv(t, srv.URL, "keyring")

	out, err := execute(t, "", "login", "--email", "a@b.com", "--password", "x")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as ann <a@b.com>")

	out, err = execute(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "ann <a@b.com>")

	out, err = execute(t, "", "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out")

	_, err = execute(t, "", "whoami")
	assert.Error(t, err)
}

func TestLoginPromptsForCredentials(t *testing.T) {
	srv := newFakeService(t)
	setupEnv(t, srv.URL, "memory")

	out, err := execute(t, "a@b.com\nx\n", "login")
	require.NoError(t, err)
	assert.Contains(t, out, "Email: ")
	assert.Contains(t, out, "Password: ")
	assert.Contains(t, out, "Logged in as")
}

func TestLoginRejected(t *testing.T) {
	srv := newFakeService(t)
	setupEnv(t, srv.URL, "memory")

	_, err := execute(t, "", "login", "--email", "a@b.com", "--password", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Invalid credentials", err.Error())
}

func TestWhoamiWithoutSession(t *testing.T) {
	srv := newFakeService(t)
	setupEnv(t, srv.URL, "memory")

	_, err := execute(t, "", "whoami")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONITOR_SESSION_BACKEND=keyring")
}

func TestSessionCommandsExplainBackend(t *testing.T) {
	for _, name := range []string{"watch", "whoami"} {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, "", name, "--help")
			require.NoError(t, err)
			assert.Contains(t, out, "MONITOR_SESSION_BACKEND=keyring")
		})
	}
}
