package tenantapi

import (
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandbox/internal/auth"
)

// AccessLogMiddleware logs one line per request with a request ID, the
// authenticated user (if any), method, path, status, duration and remote
// address/forwarded-for header.
func AccessLogMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := uuid.New().String()[:8]
			c.Set("noid_request_id", reqID)

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			user := auth.GetUserID(c)
			if user == "" {
				user = "-"
			}
			fwd := c.Request().Header.Get("X-Forwarded-For")
			if fwd == "" {
				fwd = "-"
			}
			log.Printf("noid: [%s] %s %s %s -> %d (%dms) remote=%s fwd=%s",
				reqID, user, c.Request().Method, c.Path(), status,
				time.Since(start).Milliseconds(), c.RealIP(), fwd)

			return err
		}
	}
}
