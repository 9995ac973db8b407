package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"video-platform/internal/observability/logging"
	"video-platform/internal/uploads"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, uploads.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, uploads.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, uploads.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, uploads.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func serviceError(err error) error {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	return echo.NewHTTPError(status, message).SetInternal(err)
}

// errorHandler renders every error as {"error": "..."} and logs server-side
// failures with the request-scoped logger.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		message := http.StatusText(status)
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			status = httpErr.Code
			message = fmt.Sprint(httpErr.Message)
			if httpErr.Internal != nil {
				err = httpErr.Internal
			}
		}
		if status >= http.StatusInternalServerError {
			logging.WithContext(c.Request().Context(), logger).Error("request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"error", err)
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, errorResponse{Error: message})
	}
}

// bindJSON decodes a strict JSON body into dest.
func bindJSON(c echo.Context, dest interface{}) error {
	body := c.Request().Body
	if body == nil || c.Request().ContentLength == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is required")
	}
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err)).SetInternal(err)
	}
	return nil
}
