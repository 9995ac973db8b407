package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"video-platform/internal/models"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/uploads"
)

// VideoService is the upload and video surface the handlers drive.
type VideoService interface {
	InitUpload(ctx context.Context, requesterID string, req uploads.InitRequest) (uploads.InitResponse, error)
	CompleteUpload(ctx context.Context, requesterID, videoID string) (uploads.CompleteResult, error)
	Publish(ctx context.Context, requesterID, videoID string) (models.Video, error)
	RetryFailed(ctx context.Context, requesterID, videoID string) (uploads.CompleteResult, error)
	GetVideo(ctx context.Context, requesterID, videoID string) (uploads.VideoView, error)
}

// UploadLimiter throttles upload initiation per requester.
type UploadLimiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

type Config struct {
	Videos         VideoService
	Auth           *Authenticator
	Limiter        UploadLimiter
	Health         []HealthCheck
	Metrics        *metrics.Recorder
	AllowedOrigins []string
	BodyLimit      string
	Logger         *slog.Logger
}

// Handler serves the video API.
type Handler struct {
	videos  VideoService
	limiter UploadLimiter
	health  []HealthCheck
	logger  *slog.Logger
}

// NewRouter builds the echo instance with every route registered.
func NewRouter(cfg Config) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := cfg.Auth
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{})
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	bodyLimit := cfg.BodyLimit
	if bodyLimit == "" {
		bodyLimit = "1M"
	}
	h := &Handler{
		videos:  cfg.Videos,
		limiter: cfg.Limiter,
		health:  cfg.Health,
		logger:  logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)
	e.Use(middleware.Recover())
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  cfg.AllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, "X-Request-Id"},
			ExposeHeaders: []string{"X-Request-Id", "Retry-After"},
			MaxAge:        600,
		}))
	}
	e.Use(middleware.BodyLimit(bodyLimit))

	e.GET("/healthz", h.Health)
	e.GET("/metrics", echo.WrapHandler(recorder.Handler()))

	videos := e.Group("/api/videos")
	videos.POST("/uploads", h.InitUpload, requireAuth(auth, false))
	videos.POST("/:id/complete", h.CompleteUpload, requireAuth(auth, false))
	videos.POST("/:id/publish", h.Publish, requireAuth(auth, false))
	videos.POST("/:id/retry", h.Retry, requireAuth(auth, false))
	videos.GET("/:id", h.GetVideo, requireAuth(auth, true))
	return e
}

func (h *Handler) InitUpload(c echo.Context) error {
	ctx := c.Request().Context()
	user := requester(c)
	if h.limiter != nil {
		allowed, retryAfter, err := h.limiter.Allow(ctx, user)
		if err != nil {
			logging.WithContext(ctx, h.logger).Error("upload rate limiter failure", "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "rate limit unavailable").SetInternal(err)
		}
		if !allowed {
			if retryAfter > 0 {
				c.Response().Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
			}
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many upload requests")
		}
	}

	var req uploads.InitRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	resp, err := h.videos.InitUpload(ctx, user, req)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) CompleteUpload(c echo.Context) error {
	result, err := h.videos.CompleteUpload(c.Request().Context(), requester(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	status := http.StatusOK
	if result.Enqueued {
		status = http.StatusAccepted
	}
	return c.JSON(status, result)
}

func (h *Handler) Publish(c echo.Context) error {
	video, err := h.videos.Publish(c.Request().Context(), requester(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	view, err := h.videos.GetVideo(c.Request().Context(), requester(c), video.ID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Retry(c echo.Context) error {
	result, err := h.videos.RetryFailed(c.Request().Context(), requester(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (h *Handler) GetVideo(c echo.Context) error {
	view, err := h.videos.GetVideo(c.Request().Context(), requester(c), c.Param("id"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, view)
}
