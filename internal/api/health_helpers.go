package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"video-platform/internal/observability/metrics"
)

const healthTimeout = 2 * time.Second

// HealthCheck probes one backing component.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.health))
	for _, probe := range h.health {
		if probe.Check == nil {
			continue
		}
		status := componentStatus{Component: probe.Component, Status: "ok"}
		if err := probe.Check(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	components, status, code := h.componentHealth(ctx)
	return c.JSON(code, healthResponse{Status: status, Components: components})
}

// NewOpsRouter serves only /healthz and /metrics. The transcoder exposes it
// on its ops listener.
func NewOpsRouter(health []HealthCheck, recorder *metrics.Recorder, logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	h := &Handler{health: health, logger: logger}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.Recover())
	e.GET("/healthz", h.Health)
	e.GET("/metrics", echo.WrapHandler(recorder.Handler()))
	return e
}
