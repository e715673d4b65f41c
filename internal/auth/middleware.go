package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opensandbox/opensandbox/internal/metrics"
)

// TokenLookup resolves a bearer token to a user identity, or reports that no
// such token exists.
type TokenLookup func(token string) (userID string, ok bool)

const userIDContextKey = "noid_user_id"

// BearerMiddleware validates the Authorization: Bearer header against
// lookup, rate limiting repeated failures per BucketKey and rejecting with
// 429 once a bucket trips.
func BearerMiddleware(lookup TokenLookup, limiter *RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			}

			key := BucketKey(token)
			now := time.Now()
			if !limiter.Allow(key, now) {
				metrics.RateLimitTripsTotal.WithLabelValues().Inc()
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many failed attempts"})
			}

			userID, ok := lookup(token)
			if !ok {
				limiter.RecordFailure(key, now)
				metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}
			limiter.RecordSuccess(key)
			metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()

			SetUserID(c, userID)
			return next(c)
		}
	}
}

// SetUserID stashes the authenticated user identity on the request context.
func SetUserID(c echo.Context, userID string) {
	c.Set(userIDContextKey, userID)
}

// GetUserID retrieves the user identity set by BearerMiddleware.
func GetUserID(c echo.Context) string {
	v, _ := c.Get(userIDContextKey).(string)
	return v
}
