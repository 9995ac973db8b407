// Package uploads coordinates the client-facing half of ingestion: issuing
// presigned upload targets, dispatching transcode jobs once an upload lands,
// and the owner actions that follow (publish, manual retry, read).
package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"video-platform/internal/catalog"
	"video-platform/internal/models"
	"video-platform/internal/objectstore"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/queue"
)

var (
	// ErrPermissionDenied reports that the requester does not own the channel.
	ErrPermissionDenied = errors.New("uploads: permission denied")
	// ErrValidation wraps every input validation failure.
	ErrValidation = errors.New("uploads: invalid request")
	// ErrNotFound reports a video that does not exist or is hidden from the
	// requester.
	ErrNotFound = errors.New("uploads: video not found")
	// ErrInvalidState reports an action that the video's status does not allow.
	ErrInvalidState = errors.New("uploads: video is not in a state that allows this")
)

const (
	DefaultUploadURLTTL = time.Hour
	MaxTitleLength      = 200
	MaxDescriptionLen   = 5000
	MaxTags             = 20
	MaxTagLength        = 50
)

type Config struct {
	Catalog      catalog.Catalog
	Store        objectstore.Client
	Queue        queue.Queue
	UploadURLTTL time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

type Service struct {
	catalog catalog.Catalog
	store   objectstore.Client
	queue   queue.Queue
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
	newID   func() string
	now     func() time.Time
}

func NewService(cfg Config) *Service {
	ttl := cfg.UploadURLTTL
	if ttl <= 0 {
		ttl = DefaultUploadURLTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog: cfg.Catalog,
		store:   cfg.Store,
		queue:   cfg.Queue,
		ttl:     ttl,
		logger:  logger,
		metrics: cfg.Metrics,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

type InitRequest struct {
	ChannelID   string   `json:"channelId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Visibility  string   `json:"visibility"`
	ContentType string   `json:"contentType"`
}

type InitResponse struct {
	VideoID   string            `json:"videoId"`
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresIn int               `json:"expiresIn"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// InitUpload creates a video in uploading and returns a presigned PUT for its
// source key.
func (s *Service) InitUpload(ctx context.Context, requesterID string, req InitRequest) (InitResponse, error) {
	params, contentType, err := normalizeInit(req)
	if err != nil {
		return InitResponse{}, err
	}
	if err := s.authorizeChannel(ctx, params.ChannelID, requesterID); err != nil {
		return InitResponse{}, err
	}

	params.ID = s.newID()
	params.SourceKey = objectstore.SourceKey(params.ID)
	video, err := s.catalog.CreateVideo(ctx, params)
	if err != nil {
		return InitResponse{}, fmt.Errorf("create video: %w", err)
	}

	presigned, err := s.store.PresignPut(ctx, video.SourceKey, contentType, s.ttl)
	if err != nil {
		if _, markErr := s.catalog.UpdateVideo(ctx, video.ID, catalog.MarkFailed("upload url could not be issued")); markErr != nil {
			s.logger.Error("failed to fail video after presign error", "video_id", video.ID, "error", markErr)
		}
		return InitResponse{}, fmt.Errorf("presign upload: %w", err)
	}

	headers := make(map[string]string, len(presigned.Headers))
	for name := range presigned.Headers {
		headers[name] = presigned.Headers.Get(name)
	}
	s.metrics.ObserveUpload("initiated")
	logging.WithContext(ctx, s.logger).Info("upload initiated", "video_id", video.ID, "channel_id", video.ChannelID)
	return InitResponse{
		VideoID:   video.ID,
		UploadURL: presigned.URL,
		Method:    presigned.Method,
		Headers:   headers,
		ExpiresIn: int(s.ttl / time.Second),
		ExpiresAt: presigned.ExpiresAt,
	}, nil
}

type CompleteResult struct {
	VideoID  string             `json:"videoId"`
	Status   models.VideoStatus `json:"status"`
	Enqueued bool               `json:"enqueued"`
}

// CompleteUpload moves an uploading video to processing and enqueues its
// transcode job. Only the caller whose status transition wins enqueues, so
// repeated or concurrent signals produce one job.
func (s *Service) CompleteUpload(ctx context.Context, requesterID, videoID string) (CompleteResult, error) {
	video, err := s.ownedVideo(ctx, requesterID, videoID)
	if err != nil {
		return CompleteResult{}, err
	}
	logger := logging.WithContext(logging.ContextWithVideoID(ctx, video.ID), s.logger)
	if video.Status != models.StatusUploading {
		return CompleteResult{VideoID: video.ID, Status: video.Status}, nil
	}

	updated, err := s.catalog.UpdateVideo(ctx, video.ID, catalog.MarkProcessing())
	switch {
	case errors.Is(err, catalog.ErrInvalidTransition):
		// Lost the race to a concurrent completion.
		current, getErr := s.catalog.GetVideo(ctx, video.ID)
		if getErr != nil {
			return CompleteResult{}, fmt.Errorf("reload video: %w", getErr)
		}
		return CompleteResult{VideoID: current.ID, Status: current.Status}, nil
	case errors.Is(err, catalog.ErrConflict):
		return CompleteResult{}, ErrNotFound
	case err != nil:
		return CompleteResult{}, fmt.Errorf("mark processing: %w", err)
	}

	if err := s.enqueue(ctx, updated.ID); err != nil {
		// The record is processing without a job; the reconciler picks it up.
		logger.Error("enqueue after completion failed", "error", err)
		return CompleteResult{}, fmt.Errorf("enqueue transcode: %w", err)
	}
	s.metrics.ObserveUpload("completed")
	logger.Info("upload completed; transcode queued")
	return CompleteResult{VideoID: updated.ID, Status: updated.Status, Enqueued: true}, nil
}

// Publish lists a ready, public video. Unlisted and private videos stay ready.
func (s *Service) Publish(ctx context.Context, requesterID, videoID string) (models.Video, error) {
	video, err := s.ownedVideo(ctx, requesterID, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.Visibility != models.VisibilityPublic {
		return models.Video{}, fmt.Errorf("%w: only public videos can be published", ErrInvalidState)
	}
	updated, err := s.catalog.UpdateVideo(ctx, video.ID, catalog.Publish(s.now()))
	if err != nil {
		return models.Video{}, s.mapUpdateError(err)
	}
	s.metrics.ObserveUpload("published")
	logging.WithContext(ctx, s.logger).Info("video published", "video_id", video.ID)
	return updated, nil
}

// RetryFailed is the manual recovery path: a failed video goes back to
// processing and gets a fresh job. An empty requesterID skips the ownership
// check for operator tooling.
func (s *Service) RetryFailed(ctx context.Context, requesterID, videoID string) (CompleteResult, error) {
	var (
		video models.Video
		err   error
	)
	if requesterID == "" {
		video, err = s.catalog.GetVideo(ctx, videoID)
		if errors.Is(err, catalog.ErrNotFound) {
			return CompleteResult{}, ErrNotFound
		}
	} else {
		video, err = s.ownedVideo(ctx, requesterID, videoID)
	}
	if err != nil {
		return CompleteResult{}, err
	}
	updated, err := s.catalog.UpdateVideo(ctx, video.ID, catalog.RetryFailed())
	if err != nil {
		return CompleteResult{}, s.mapUpdateError(err)
	}
	if err := s.enqueue(ctx, updated.ID); err != nil {
		return CompleteResult{}, fmt.Errorf("enqueue transcode: %w", err)
	}
	s.metrics.ObserveUpload("retried")
	logging.WithContext(ctx, s.logger).Info("failed video requeued", "video_id", video.ID, "operator", requesterID == "")
	return CompleteResult{VideoID: updated.ID, Status: updated.Status, Enqueued: true}, nil
}

// VideoView is the viewer-facing shape of a video with playable URLs.
type VideoView struct {
	ID              string             `json:"id"`
	ChannelID       string             `json:"channelId"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	Tags            []string           `json:"tags"`
	Visibility      models.Visibility  `json:"visibility"`
	Status          models.VideoStatus `json:"status"`
	DurationSeconds *int               `json:"durationSeconds,omitempty"`
	ManifestURL     string             `json:"manifestUrl,omitempty"`
	ThumbnailURL    string             `json:"thumbnailUrl,omitempty"`
	FailureReason   string             `json:"failureReason,omitempty"`
	PublishedAt     *time.Time         `json:"publishedAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// GetVideo returns the view of a video. Private videos are owner-only
// (ErrPermissionDenied), and videos that have not reached ready are hidden
// from everyone else as ErrNotFound.
func (s *Service) GetVideo(ctx context.Context, requesterID, videoID string) (VideoView, error) {
	video, err := s.catalog.GetVideo(ctx, videoID)
	if errors.Is(err, catalog.ErrNotFound) {
		return VideoView{}, ErrNotFound
	}
	if err != nil {
		return VideoView{}, fmt.Errorf("load video: %w", err)
	}
	owner := false
	if requesterID != "" {
		if channel, err := s.catalog.GetChannel(ctx, video.ChannelID); err == nil {
			owner = channel.OwnerID == requesterID
		}
	}
	if !owner {
		if video.Visibility == models.VisibilityPrivate {
			return VideoView{}, ErrPermissionDenied
		}
		if video.Status != models.StatusReady && video.Status != models.StatusPublished {
			return VideoView{}, ErrNotFound
		}
	}
	return s.view(video, owner), nil
}

func (s *Service) view(video models.Video, owner bool) VideoView {
	view := VideoView{
		ID:              video.ID,
		ChannelID:       video.ChannelID,
		Title:           video.Title,
		Description:     video.Description,
		Tags:            append([]string{}, video.Tags...),
		Visibility:      video.Visibility,
		Status:          video.Status,
		DurationSeconds: video.DurationSeconds,
		PublishedAt:     video.PublishedAt,
		CreatedAt:       video.CreatedAt,
		UpdatedAt:       video.UpdatedAt,
	}
	if video.HasMedia() {
		view.ManifestURL = s.store.PublicURL(*video.ManifestKey)
		view.ThumbnailURL = s.store.PublicURL(*video.ThumbnailKey)
	}
	if owner {
		view.FailureReason = video.FailureReason
	}
	return view
}

func (s *Service) enqueue(ctx context.Context, videoID string) error {
	added, err := s.queue.Enqueue(ctx, videoID)
	switch {
	case err != nil:
		s.metrics.ObserveEnqueue("error")
		return err
	case added:
		s.metrics.ObserveEnqueue("added")
	default:
		s.metrics.ObserveEnqueue("duplicate")
	}
	return nil
}

// ownedVideo loads a video and checks the requester owns its channel.
func (s *Service) ownedVideo(ctx context.Context, requesterID, videoID string) (models.Video, error) {
	if strings.TrimSpace(videoID) == "" {
		return models.Video{}, fmt.Errorf("%w: video id is required", ErrValidation)
	}
	video, err := s.catalog.GetVideo(ctx, videoID)
	if errors.Is(err, catalog.ErrNotFound) {
		return models.Video{}, ErrNotFound
	}
	if err != nil {
		return models.Video{}, fmt.Errorf("load video: %w", err)
	}
	if err := s.authorizeChannel(ctx, video.ChannelID, requesterID); err != nil {
		return models.Video{}, err
	}
	return video, nil
}

// authorizeChannel fails with ErrPermissionDenied when the channel is
// missing or owned by someone else, so channel existence is not leaked.
func (s *Service) authorizeChannel(ctx context.Context, channelID, requesterID string) error {
	if strings.TrimSpace(requesterID) == "" {
		return ErrPermissionDenied
	}
	channel, err := s.catalog.GetChannel(ctx, channelID)
	if errors.Is(err, catalog.ErrNotFound) {
		return ErrPermissionDenied
	}
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}
	if channel.OwnerID != requesterID {
		return ErrPermissionDenied
	}
	return nil
}

func (s *Service) mapUpdateError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	case errors.Is(err, catalog.ErrConflict):
		return ErrNotFound
	default:
		return err
	}
}

func normalizeInit(req InitRequest) (catalog.NewVideo, string, error) {
	title := normalizeText(req.Title)
	if title == "" {
		return catalog.NewVideo{}, "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return catalog.NewVideo{}, "", fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLength)
	}
	description := normalizeText(req.Description)
	if utf8.RuneCountInString(description) > MaxDescriptionLen {
		return catalog.NewVideo{}, "", fmt.Errorf("%w: description exceeds %d characters", ErrValidation, MaxDescriptionLen)
	}
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		return catalog.NewVideo{}, "", fmt.Errorf("%w: channelId is required", ErrValidation)
	}
	visibility, ok := models.ParseVisibility(req.Visibility)
	if !ok {
		return catalog.NewVideo{}, "", fmt.Errorf("%w: unknown visibility %q", ErrValidation, req.Visibility)
	}
	tags, err := normalizeTags(req.Tags)
	if err != nil {
		return catalog.NewVideo{}, "", err
	}
	contentType, err := normalizeContentType(req.ContentType)
	if err != nil {
		return catalog.NewVideo{}, "", err
	}
	return catalog.NewVideo{
		ChannelID:   channelID,
		Title:       title,
		Description: description,
		Tags:        tags,
		Visibility:  visibility,
	}, contentType, nil
}

func normalizeText(raw string) string {
	return strings.TrimSpace(norm.NFC.String(raw))
}

func normalizeTags(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		normalized := normalizeText(tag)
		if normalized == "" {
			continue
		}
		if utf8.RuneCountInString(normalized) > MaxTagLength {
			return nil, fmt.Errorf("%w: tag %q exceeds %d characters", ErrValidation, normalized, MaxTagLength)
		}
		key := strings.ToLower(normalized)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, normalized)
	}
	if len(tags) > MaxTags {
		return nil, fmt.Errorf("%w: at most %d tags are allowed", ErrValidation, MaxTags)
	}
	return tags, nil
}

// normalizeContentType accepts video/* types and application/octet-stream,
// defaulting to the latter.
func normalizeContentType(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return objectstore.ContentTypeBinary, nil
	}
	mediaType, _, err := mime.ParseMediaType(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: invalid content type %q", ErrValidation, raw)
	}
	if mediaType != objectstore.ContentTypeBinary && !strings.HasPrefix(mediaType, "video/") {
		return "", fmt.Errorf("%w: content type %q is not a video", ErrValidation, raw)
	}
	return mediaType, nil
}
