package tenantapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/pkg/noidtypes"
)

// statusFor maps an apierr.Kind to its HTTP status code.
func statusFor(kind apierr.Kind) int {
	switch kind {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindUnauthorized:
		return http.StatusUnauthorized
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errJSON writes err as {error: message} with the status its Kind maps to.
func errJSON(c echo.Context, err error) error {
	status := statusFor(apierr.KindOf(err))
	return c.JSON(status, noidtypes.ErrorResponse{Error: err.Error()})
}
