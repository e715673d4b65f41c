// Package tenantapi is the tenant-facing HTTP+WS server: request routing,
// authentication, status-code mapping and the VmInfo/CheckpointInfo wire
// projections, fronting internal/backend.
package tenantapi

import (
	"context"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/opensandbox/internal/auth"
	"github.com/opensandbox/opensandbox/internal/backend"
	"github.com/opensandbox/opensandbox/internal/config"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
)

// Server is the tenant API's Echo-backed HTTP/WS server.
type Server struct {
	echo    *echo.Echo
	cfg     *config.Config
	backend *backend.Backend
	store   *record.Store
	limiter *auth.RateLimiter

	// wsSlots bounds concurrent console/exec WebSocket sessions; a full
	// channel turns further upgrade attempts into 503s.
	wsSlots chan struct{}
}

// New builds the tenant API router with every /v1 route wired.
func New(cfg *config.Config, be *backend.Backend, store *record.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		cfg:     cfg,
		backend: be,
		store:   store,
		limiter: auth.NewRateLimiter(),
		wsSlots: make(chan struct{}, cfg.MaxWSSessions),
	}

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(AccessLogMiddleware())
	e.Use(metrics.EchoMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Noid-Api-Version", "1")
			return next(c)
		}
	})

	e.GET("/healthz", s.healthz)
	e.GET("/version", s.version)

	bearer := auth.BearerMiddleware(s.lookupToken, s.limiter)

	v1 := e.Group("/v1")
	v1.Use(bearer)

	v1.GET("/whoami", s.whoami)
	v1.GET("/capabilities", s.capabilities)

	v1.POST("/vms", s.createVM)
	v1.GET("/vms", s.listVMs)
	v1.GET("/vms/:name", s.getVM)
	v1.DELETE("/vms/:name", s.destroyVM)

	v1.POST("/vms/:name/exec", s.execVM)
	v1.GET("/vms/:name/exec", s.execWS)
	v1.GET("/vms/:name/console", s.consoleWS)

	v1.POST("/vms/:name/checkpoints", s.createCheckpoint)
	v1.GET("/vms/:name/checkpoints", s.listCheckpoints)
	v1.POST("/vms/:name/restore", s.restoreVM)

	return s
}

// Start starts the HTTP server on addr, blocking until it stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Shutdown(context.Background())
}

// lookupToken resolves a bearer token against the record store, used as the
// auth.TokenLookup callback.
func (s *Server) lookupToken(token string) (string, bool) {
	u, ok, err := s.store.UserByTokenHash(auth.HashToken(token))
	if err != nil || !ok {
		return "", false
	}
	return u.ID, true
}
