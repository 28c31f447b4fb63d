package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vehicle-monitor/internal/config"
)

// NewRouter builds the gin engine for the callback receiver. The remote
// service's origin may call /status from the browser.
func NewRouter(cfg *config.Config, h *Handler, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{cfg.Server.URL},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	h.Register(r)
	return r
}

// NewServer wraps the router for the configured loopback address.
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Callback.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		// The query may carry a token; log the path only.
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(started)).
			Msg("callback receiver request")
	}
}
