package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vehicle-monitor/internal/config"
	"vehicle-monitor/internal/domain/auth"
	"vehicle-monitor/internal/service"
)

// CallbackService is what the receiver needs from the auth flow.
type CallbackService interface {
	HandleCallback(ctx context.Context, u *url.URL) (*service.CallbackResult, error)
	GoogleLoginURL() string
	State() auth.State
	CurrentIdentity() *auth.Identity
}

// Outcome is reported once per callback that carried credentials or an
// OAuth error.
type Outcome struct {
	Identity *auth.Identity
	Err      error
}

// Handler is the loopback receiver the OAuth redirect lands on.
type Handler struct {
	authService CallbackService
	config      *config.Config
	log         zerolog.Logger
	outcomes    chan Outcome

	mu          sync.Mutex
	lastFailure string
}

func NewHandler(
	authService CallbackService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		authService: authService,
		config:      cfg,
		log:         log,
		outcomes:    make(chan Outcome, 1),
	}
}

// Outcomes delivers callback results. Results nobody reads are dropped.
func (h *Handler) Outcomes() <-chan Outcome {
	return h.outcomes
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/login", h.startLogin)
	r.GET("/callback", h.callback)
	r.GET("/status", h.status)
}

func (h *Handler) startLogin(c *gin.Context) {
	c.Redirect(http.StatusFound, h.authService.GoogleLoginURL())
}

// callback ingests the credentials and redirects to the same URL without
// them, so the token never stays in the address bar or history. Failures
// redirect too and are shown by the status page at the clean URL.
func (h *Handler) callback(c *gin.Context) {
	u := h.absoluteURL(c.Request)

	result, err := h.authService.HandleCallback(c.Request.Context(), u)
	if err != nil {
		h.report(Outcome{Err: err})
		if result == nil {
			h.log.Warn().Err(err).Msg("malformed oauth callback")
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}

		message := auth.ReasonAuthFailed
		var credErr *auth.CredentialError
		if errors.As(err, &credErr) {
			message = credErr.Message
			h.log.Warn().Str("error", credErr.Message).Msg("oauth callback rejected")
		} else {
			h.log.Error().Err(err).Msg("failed to ingest oauth callback")
		}
		h.setFailure(message)
		c.Redirect(http.StatusSeeOther, result.CleanURL)
		return
	}

	if result.Handled {
		h.setFailure("")
		h.report(Outcome{Identity: result.Identity})
		c.Redirect(http.StatusSeeOther, result.CleanURL)
		return
	}

	h.status(c)
}

func (h *Handler) status(c *gin.Context) {
	body := gin.H{
		"state": h.authService.State().String(),
		"user":  h.authService.CurrentIdentity(),
	}
	if failure := h.failure(); failure != "" {
		body["error"] = failure
	}
	c.JSON(http.StatusOK, successResponse(body))
}

func (h *Handler) setFailure(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastFailure = message
}

func (h *Handler) failure() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFailure
}

func (h *Handler) report(o Outcome) {
	select {
	case h.outcomes <- o:
	default:
		h.log.Debug().Msg("dropping unread callback outcome")
	}
}

// absoluteURL rebuilds the request URL. Requests without a Host header
// resolve against the configured callback address.
func (h *Handler) absoluteURL(r *http.Request) *url.URL {
	u := *r.URL
	u.Scheme = "http"
	if r.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = r.Host
	if u.Host == "" {
		u.Host = h.config.Callback.Addr
	}
	return &u
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
