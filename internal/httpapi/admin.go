package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"horse.fit/canon/internal/auth"
)

// requireAdmin checks the bearer token against the configured bcrypt hash.
// Without a hash the admin routes are closed.
func (s *Server) requireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.opts.AdminTokenHash == "" {
				return fail(c, http.StatusForbidden, "Admin routes are disabled", nil)
			}

			token := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if token == "" || !auth.VerifyToken(token, s.opts.AdminTokenHash) {
				return failUnauthorized(c, "canon-admin")
			}
			return next(c)
		}
	}
}
