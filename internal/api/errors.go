package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/api/types"
	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/jobserver"
	"github.com/masa-finance/scan-worker/internal/scan"
	"github.com/masa-finance/scan-worker/internal/signal"
	"github.com/masa-finance/scan-worker/internal/store"
	"github.com/masa-finance/scan-worker/internal/vault"
)

type errorMapping struct {
	err    error
	status int
	kind   string
}

// errorMappings is checked in order with errors.Is.
var errorMappings = []errorMapping{
	{scan.ErrInvalidHandle, http.StatusBadRequest, "ValidationError"},
	{scan.ErrInvalidScanID, http.StatusBadRequest, "ValidationError"},
	{vault.ErrInvalidSessionMaterial, http.StatusBadRequest, "InvalidSessionMaterial"},
	{vault.ErrInvalidClaim, http.StatusBadRequest, "InvalidClaim"},
	{signal.ErrUnknownAction, http.StatusBadRequest, "UnknownAction"},
	{auth.ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{auth.ErrTierRequired, http.StatusPaymentRequired, "TierRequired"},
	{auth.ErrQuotaExceeded, http.StatusTooManyRequests, "QuotaExceeded"},
	{store.ErrNotFound, http.StatusNotFound, "NotFound"},
	{vault.ErrNoSession, http.StatusNotFound, "NoSession"},
	{store.ErrAlreadyExists, http.StatusConflict, "AlreadyExists"},
	{scan.ErrTerminal, http.StatusConflict, "Terminal"},
	{jobserver.ErrNotRetryable, http.StatusConflict, "NotRetryable"},
	{jobserver.ErrQueueFull, http.StatusServiceUnavailable, "QueueFull"},
}

// statusFor maps an error onto an HTTP status and a stable kind label.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.kind
		}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, http.StatusText(he.Code)
	}
	return http.StatusInternalServerError, "Internal"
}

// fail writes the error response itself so middleware sees the final status.
func fail(c echo.Context, err error) error {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Errorf("%s %s failed", c.Request().Method, c.Path())
		msg = "internal error"
	}
	return c.JSON(status, types.ErrorResponse{Error: msg, Kind: kind})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, types.ErrorResponse{Error: msg, Kind: "ValidationError"})
}
