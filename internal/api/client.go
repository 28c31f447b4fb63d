// Package api talks to the remote authentication and detection service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"vehicle-monitor/internal/domain/auth"
	"vehicle-monitor/internal/logger"
)

// MaxResponseSize caps how much of a response body is read.
const MaxResponseSize = 1 << 20

var ErrEmptyToken = errors.New("server response did not contain an access token")

// APIError is a non-2xx answer. Message is the server's "error" field when
// it sent one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// Client is the HTTP client for the remote service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// User is the profile record returned by the service.
type User struct {
	ID         any     `json:"id"`
	Username   string  `json:"username"`
	Email      string  `json:"email"`
	CreatedAt  string  `json:"created_at,omitempty"`
	IsVerified bool    `json:"is_verified"`
	ImageURL   *string `json:"image_url"`
}

// Identity maps the record to the dashboard identity.
func (u *User) Identity() *auth.Identity {
	if u == nil {
		return nil
	}
	id, err := cast.ToStringE(u.ID)
	if err != nil {
		id = ""
	}
	display := strings.TrimSpace(u.Username)
	if display == "" {
		display = u.Email
	}
	identity := &auth.Identity{
		ID:          id,
		Email:       u.Email,
		DisplayName: display,
	}
	if u.ImageURL != nil {
		identity.AvatarURL = *u.ImageURL
	}
	return identity
}

// TokenResponse is the body of a successful login, registration or refresh.
// Registration may omit every field.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is sent as multipart form data. ProfileImage is optional.
type RegisterRequest struct {
	Email            string
	Username         string
	Password         string
	ProfileImage     io.Reader
	ProfileImageName string
}

func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	data, err := json.Marshal(LoginRequest{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/login", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out TokenResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, ErrEmptyToken
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, in RegisterRequest) (*TokenResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fields := [][2]string{{"email", in.Email}, {"username", in.Username}, {"password", in.Password}}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", f[0], err)
		}
	}
	if in.ProfileImage != nil {
		name := in.ProfileImageName
		if name == "" {
			name = "profile_image"
		}
		part, err := w.CreateFormFile("profile_image", name)
		if err != nil {
			return nil, fmt.Errorf("failed to create profile image part: %w", err)
		}
		if _, err := io.Copy(part, in.ProfileImage); err != nil {
			return nil, fmt.Errorf("failed to attach profile image: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/register", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out TokenResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUser fetches the profile of the token's owner.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/user", nil)
	if err != nil {
		return nil, err
	}
	setBearer(req, accessToken)

	var out User
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/refresh", nil)
	if err != nil {
		return "", err
	}
	setBearer(req, refreshToken)

	var out TokenResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", ErrEmptyToken
	}
	return out.AccessToken, nil
}

// Logout tells the service the session is over. Tokens are stateless on
// the server side, so this is informational.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/logout", nil)
	if err != nil {
		return err
	}
	if accessToken != "" {
		setBearer(req, accessToken)
	}
	return c.do(req, nil)
}

// GoogleLoginURL is where the browser starts the OAuth flow.
func (c *Client) GoogleLoginURL() string {
	return c.baseURL + "/google/login"
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func setBearer(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
}

func (c *Client) do(req *http.Request, out any) error {
	requestID := req.Header.Get("X-Request-ID")
	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().
			Err(err).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("request_id", requestID).
			Msg("request failed")
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readLimitedResponse(resp.Body, MaxResponseSize)
	if err != nil {
		return err
	}

	event := c.log.Debug()
	if authz := req.Header.Get("Authorization"); authz != "" {
		event = event.Str("bearer", logger.MaskToken(strings.TrimPrefix(authz, "Bearer ")))
	}
	event.
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage pulls the human message out of an error body. The service
// uses "error"; its JWT layer answers with "msg".
func errorMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"error", "msg", "message"} {
		if s := cast.ToString(payload[key]); s != "" {
			return s
		}
	}
	return ""
}

func readLimitedResponse(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return body, nil
}
