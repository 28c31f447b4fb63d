package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"vehicle-monitor/internal/api"
	"vehicle-monitor/internal/domain/auth"
	"vehicle-monitor/internal/logger"
	"vehicle-monitor/internal/pubsub"
	"vehicle-monitor/internal/session"
	"vehicle-monitor/internal/token"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	msgLoginFailed        = "Login failed. Please try again."
	msgNoTokenReceived    = "Login failed. No authentication token received."
	msgRegistrationFailed = "Registration failed. Please try again."
	msgOAuthFailed        = "Google login failed."

	defaultProfileRetryDelay = 250 * time.Millisecond
)

// Callback query parameters set by the service's OAuth redirect.
const (
	paramToken    = "token"
	paramProvider = "authProvider"
	paramError    = "error"
)

// AuthAPI is the part of the remote service the auth flow needs.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*api.TokenResponse, error)
	Register(ctx context.Context, req api.RegisterRequest) (*api.TokenResponse, error)
	GetUser(ctx context.Context, accessToken string) (*api.User, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context, accessToken string) error
	GoogleLoginURL() string
}

// AuthEvent is broadcast on every authentication state change.
type AuthEvent struct {
	State    auth.State
	Identity *auth.Identity
}

// RegisterResult carries either the signed-in identity or a redirect to the
// login page when the service did not issue tokens.
type RegisterResult struct {
	Identity *auth.Identity
	Redirect *auth.Redirect
}

// CallbackResult is the outcome of OAuth callback ingestion. CleanURL is
// the callback URL with the credential parameters removed and is always
// set.
type CallbackResult struct {
	CleanURL string
	Handled  bool
	Identity *auth.Identity
}

// GateResult lets a protected page through (Identity set) or sends the user
// to the login page (Redirect set). Cause records why access was denied.
type GateResult struct {
	Identity *auth.Identity
	Redirect *auth.Redirect
	Cause    error
}

// Allowed reports whether the protected page may be shown.
func (r GateResult) Allowed() bool {
	return r.Redirect == nil
}

type AuthOption func(*AuthService)

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) AuthOption {
	return func(s *AuthService) { s.now = now }
}

// WithProfileRetryDelay sets the pause before the second profile fetch.
func WithProfileRetryDelay(d time.Duration) AuthOption {
	return func(s *AuthService) {
		if d > 0 {
			s.profileRetryDelay = d
		}
	}
}

// AuthService drives the authentication lifecycle. It is the only writer
// of the session store.
type AuthService struct {
	api   AuthAPI
	codec *token.Codec
	store *session.Store
	log   zerolog.Logger

	now               func() time.Time
	profileRetryDelay time.Duration

	mu       sync.Mutex
	state    auth.State
	identity *auth.Identity
	events   *pubsub.Broker[AuthEvent]
}

func NewAuthService(client AuthAPI, codec *token.Codec, store *session.Store, log zerolog.Logger, opts ...AuthOption) *AuthService {
	s := &AuthService{
		api:               client,
		codec:             codec,
		store:             store,
		log:               log,
		now:               time.Now,
		profileRetryDelay: defaultProfileRetryDelay,
		events:            pubsub.New[AuthEvent](0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *AuthService) State() auth.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentIdentity returns the signed-in user, or nil.
func (s *AuthService) CurrentIdentity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil
	}
	identity := *s.identity
	return &identity
}

// Subscribe delivers auth changes until cancel is called.
func (s *AuthService) Subscribe() (<-chan AuthEvent, func()) {
	return s.events.Subscribe()
}

func (s *AuthService) GoogleLoginURL() string {
	return s.api.GoogleLoginURL()
}

func (s *AuthService) setState(state auth.State, identity *auth.Identity) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.identity = identity
	s.mu.Unlock()

	if prev != state {
		s.log.Debug().
			Str("from", prev.String()).
			Str("to", state.String()).
			Msg("auth state changed")
	}
	s.events.Publish(AuthEvent{State: state, Identity: identity})
}

// beginAuthenticating enters Authenticating and returns a func that puts
// back the previous state after a rejected attempt.
func (s *AuthService) beginAuthenticating() func() {
	s.mu.Lock()
	prevState, prevIdentity := s.state, s.identity
	s.mu.Unlock()

	s.setState(auth.StateAuthenticating, nil)
	return func() {
		if prevState == auth.StateAuthenticating {
			prevState = auth.StateUnauthenticated
		}
		s.setState(prevState, prevIdentity)
	}
}

// Login signs in with email and password. A failure leaves the session
// store untouched.
func (s *AuthService) Login(ctx context.Context, email, password string) (*auth.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, &auth.CredentialError{Message: "Email and password are required", Err: auth.ErrMissingCredential}
	}

	restore := s.beginAuthenticating()

	resp, err := s.api.Login(ctx, email, password)
	if err != nil {
		s.log.Warn().Err(err).Str("email", email).Msg("login rejected")
		restore()
		return nil, credentialError(msgLoginFailed, err)
	}
	if resp.AccessToken == "" {
		restore()
		return nil, &auth.CredentialError{Message: msgNoTokenReceived}
	}

	identity, err := s.establish(ctx, resp, msgLoginFailed, restore)
	if err != nil {
		return nil, err
	}

	withIdentity(s.log.Info(), identity).Msg("user logged in")
	return identity, nil
}

// Register creates an account. When the service answers with tokens the
// user is signed in; otherwise the result redirects to the login page.
func (s *AuthService) Register(ctx context.Context, req api.RegisterRequest) (*RegisterResult, error) {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return nil, &auth.CredentialError{Message: "Email and password are required", Err: auth.ErrMissingCredential}
	}

	restore := s.beginAuthenticating()

	resp, err := s.api.Register(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Str("email", req.Email).Msg("registration rejected")
		restore()
		return nil, credentialError(msgRegistrationFailed, err)
	}

	if resp.AccessToken == "" {
		s.log.Info().Str("email", req.Email).Msg("registration succeeded without tokens")
		s.setState(auth.StateUnauthenticated, nil)
		return &RegisterResult{
			Redirect: &auth.Redirect{Path: auth.LoginPath, Reason: auth.ReasonLoginNeeded},
		}, nil
	}

	identity, err := s.establish(ctx, resp, msgRegistrationFailed, restore)
	if err != nil {
		return nil, err
	}

	withIdentity(s.log.Info(), identity).Msg("user registered and logged in")
	return &RegisterResult{Identity: identity}, nil
}

// establish stores a token response and moves to Authenticated. The
// identity comes from the response, then the token claims, then GET /user.
// When none of them yields one, restore runs and nothing is stored.
func (s *AuthService) establish(ctx context.Context, resp *api.TokenResponse, failMsg string, restore func()) (*auth.Identity, error) {
	identity := resp.User.Identity()
	if identity == nil {
		if claims, err := s.codec.Decode(resp.AccessToken); err == nil {
			identity = identityFromClaims(claims)
		} else {
			s.log.Warn().
				Err(err).
				Str("token", logger.MaskToken(resp.AccessToken)).
				Msg("issued token has no readable claims, fetching profile")
			identity, err = s.fetchProfile(ctx, resp.AccessToken)
			if err != nil {
				restore()
				return nil, &auth.CredentialError{Message: failMsg, Err: err}
			}
		}
	}

	s.clearStale()
	err := s.store.Save(auth.Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Provider:     provider,
		Identity:     identity,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to store session")
		s.setState(auth.StateUnauthenticated, nil)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.setState(auth.StateAuthenticated, identity)
	return identity, nil
}

// HandleCallback ingests the OAuth redirect. Credentials in the query are
// moved into the session store and stripped from the returned URL.
func (s *AuthService) HandleCallback(ctx context.Context, u *url.URL) (*CallbackResult, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: callback url is nil", ErrInvalidInput)
	}

	query := u.Query()
	tok := strings.TrimSpace(query.Get(paramToken))
	provider := strings.TrimSpace(query.Get(paramProvider))
	oauthErr := strings.TrimSpace(query.Get(paramError))

	result := &CallbackResult{CleanURL: stripCredentials(u)}

	if oauthErr != "" {
		s.log.Warn().Str("error", oauthErr).Msg("oauth provider returned an error")
		return result, &auth.CredentialError{Message: msgOAuthFailed + " (" + oauthErr + ")"}
	}
	if tok == "" {
		return result, nil
	}
	result.Handled = true

	s.setState(auth.StateAuthenticating, nil)

	s.clearStale()
	if err := s.store.Save(auth.Session{AccessToken: tok, Provider: provider}); err != nil {
		s.log.Error().Err(err).Msg("failed to store callback token")
		s.setState(auth.StateUnauthenticated, nil)
		return result, fmt.Errorf("failed to store session: %w", err)
	}

	var identity *auth.Identity
	claims, err := s.codec.Decode(tok)
	switch {
	case err == nil && token.IsExpired(claims, s.now()):
		cause := &auth.TokenExpiredError{ExpiredAt: *claims.ExpiresAt}
		s.invalidate(cause)
		return result, cause
	case err == nil:
		identity = identityFromClaims(claims)
	default:
		s.log.Warn().
			Err(err).
			Str("token", logger.MaskToken(tok)).
			Msg("callback token not decodable, fetching profile")
		identity, err = s.fetchProfile(ctx, tok)
		if err != nil {
			s.invalidate(err)
			return result, err
		}
	}

	if err := s.store.Save(auth.Session{Identity: identity}); err != nil {
		s.log.Warn().Err(err).Msg("failed to cache user profile")
	}
	s.setState(auth.StateAuthenticated, identity)
	result.Identity = identity

	withIdentity(s.log.Info(), identity).
		Str("provider", provider).
		Msg("oauth callback accepted")
	return result, nil
}

// Gate decides whether a protected page at path may be shown. Any problem
// with the stored token purges the session.
func (s *AuthService) Gate(ctx context.Context, path string) GateResult {
	tok, ok := s.store.AccessToken()
	if !ok {
		s.setState(auth.StateUnauthenticated, nil)
		return GateResult{
			Redirect: &auth.Redirect{Path: auth.LoginPath, RedirectTo: path},
			Cause:    auth.ErrNoToken,
		}
	}

	denied := func(cause error) GateResult {
		s.invalidate(cause)
		return GateResult{
			Redirect: &auth.Redirect{Path: auth.LoginPath, Reason: auth.ReasonAuthFailed, RedirectTo: path},
			Cause:    cause,
		}
	}

	claims, err := s.codec.Decode(tok)
	if err != nil {
		return denied(&auth.TokenDecodeError{Err: err})
	}
	if token.IsExpired(claims, s.now()) {
		return denied(&auth.TokenExpiredError{ExpiredAt: *claims.ExpiresAt})
	}

	identity, err := s.store.Identity()
	if err != nil {
		s.log.Warn().Err(err).Msg("ignoring cached user profile")
		identity = nil
	}
	if identity == nil {
		identity, err = s.fetchProfile(ctx, tok)
		if err != nil {
			return denied(err)
		}
		if err := s.store.Save(auth.Session{Identity: identity}); err != nil {
			s.log.Warn().Err(err).Msg("failed to cache user profile")
		}
	}

	s.setState(auth.StateAuthenticated, identity)
	return GateResult{Identity: identity}
}

// Refresh trades the stored refresh token for a new access token.
func (s *AuthService) Refresh(ctx context.Context) error {
	refresh, ok := s.store.RefreshToken()
	if !ok {
		return auth.ErrNoRefreshToken
	}

	tok, err := s.api.Refresh(ctx, refresh)
	if err != nil {
		s.log.Warn().Err(err).Msg("token refresh failed")
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	if _, err := s.codec.Decode(tok); err != nil {
		return &auth.TokenDecodeError{Err: err}
	}

	if err := s.store.Save(auth.Session{AccessToken: tok}); err != nil {
		return fmt.Errorf("failed to store refreshed token: %w", err)
	}

	s.log.Info().Str("token", logger.MaskToken(tok)).Msg("access token refreshed")
	return nil
}

// Logout purges the session and broadcasts the change. The server is told
// on a best-effort basis.
func (s *AuthService) Logout(ctx context.Context) error {
	if tok, ok := s.store.AccessToken(); ok {
		if err := s.api.Logout(ctx, tok); err != nil {
			s.log.Warn().Err(err).Msg("server logout failed")
		}
	}

	err := s.store.Purge()
	s.setState(auth.StateUnauthenticated, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to purge session")
		return err
	}

	s.log.Info().Msg("user logged out")
	return nil
}

// clearStale drops a previous session before a new one is written so no
// key from the old user survives.
func (s *AuthService) clearStale() {
	if _, ok := s.store.AccessToken(); !ok {
		return
	}
	if err := s.store.Purge(); err != nil {
		s.log.Warn().Err(err).Msg("failed to clear previous session")
	}
}

func (s *AuthService) invalidate(cause error) {
	s.log.Warn().Err(cause).Msg("session invalidated")
	if err := s.store.Purge(); err != nil {
		s.log.Error().Err(err).Msg("failed to purge session")
	}
	s.setState(auth.StateUnauthenticated, nil)
}

// fetchProfile calls GET /user, retrying once.
func (s *AuthService) fetchProfile(ctx context.Context, tok string) (*auth.Identity, error) {
	var (
		attempts int
		user     *api.User
	)
	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.profileRetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		u, err := s.api.GetUser(ctx, tok)
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempts).Msg("profile fetch failed")
			return retry.RetryableError(err)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, &auth.ProfileFetchError{Attempts: attempts, Err: err}
	}

	identity := user.Identity()
	if identity == nil {
		return nil, &auth.ProfileFetchError{Attempts: attempts, Err: errors.New("empty profile")}
	}
	return identity, nil
}

func withIdentity(e *zerolog.Event, identity *auth.Identity) *zerolog.Event {
	if identity == nil {
		return e
	}
	return e.Str("user_id", identity.ID).Str("email", identity.Email)
}

func identityFromClaims(c *auth.Claims) *auth.Identity {
	display := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if display == "" {
		display = c.Email
	}
	return &auth.Identity{
		ID:          c.Subject,
		Email:       c.Email,
		DisplayName: display,
		AvatarURL:   c.Picture,
	}
}

func credentialError(fallback string, err error) error {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = fallback
		}
		return &auth.CredentialError{Message: msg, Status: apiErr.Status, Err: err}
	}
	return &auth.CredentialError{Message: fallback, Err: err}
}

func stripCredentials(u *url.URL) string {
	clean := *u
	query := clean.Query()
	query.Del(paramToken)
	query.Del(paramProvider)
	query.Del(paramError)
	clean.RawQuery = query.Encode()
	clean.Fragment = ""
	return clean.String()
}
