package api

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/scan-worker/internal/auth"
)

const HealthCheckPath = "/healthz"
const ReadinessCheckPath = "/readyz"

const principalKey = "principal"

// BearerAuth verifies the Authorization header and stores the principal in
// the context. With required=false a request without the header passes
// anonymously, but a bad token is still rejected.
func BearerAuth(verifier *auth.Verifier, required bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" && !required {
				return next(c)
			}

			p, err := verifier.VerifyHeader(header)
			if err != nil {
				return fail(c, auth.ErrUnauthorized)
			}
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

// principal returns the caller set by BearerAuth.
func principal(c echo.Context) (auth.Principal, bool) {
	p, ok := c.Get(principalKey).(auth.Principal)
	return p, ok
}

// HealthMetricsMiddleware tracks success and error rates for readiness probe
func HealthMetricsMiddleware(healthMetrics *HealthMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Skip metrics for health check endpoints to avoid self-influence
			path := c.Request().URL.Path
			if path == HealthCheckPath || path == ReadinessCheckPath {
				return next(c)
			}

			err := next(c)

			if strings.HasPrefix(path, "/scan") || strings.HasPrefix(path, "/session") || path == "/live-session" {
				statusCode := c.Response().Status
				if statusCode >= 500 {
					healthMetrics.RecordError()
				} else if statusCode >= 200 && statusCode < 400 {
					healthMetrics.RecordSuccess()
				}
				// 4xx errors are not counted as they indicate client errors
			}

			return err
		}
	}
}
