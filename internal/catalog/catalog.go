// Package catalog stores video records and the channels that own them.
//
// Writes to a video go through VideoUpdate commands. Each command names the
// statuses it may start from, the status it moves to and the only fields it
// touches, so no caller can write an arbitrary column set.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"video-platform/internal/models"
)

var (
	// ErrNotFound reports a read for a record that does not exist.
	ErrNotFound = errors.New("catalog: record not found")
	// ErrConflict reports an update against a record that no longer exists.
	ErrConflict = errors.New("catalog: record no longer exists")
	// ErrInvalidTransition reports an update whose status precondition did not hold.
	ErrInvalidTransition = errors.New("catalog: status transition not allowed")
)

// Catalog is the record store consumed by the upload service and the
// transcode worker.
type Catalog interface {
	GetChannel(ctx context.Context, id string) (models.Channel, error)
	CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error)
	CreateVideo(ctx context.Context, params NewVideo) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error)
	// ListStale returns records in status whose last update is older than
	// before, oldest first.
	ListStale(ctx context.Context, status models.VideoStatus, before time.Time, limit int) ([]models.Video, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewVideo describes a record created in StatusUploading.
type NewVideo struct {
	ID          string
	ChannelID   string
	Title       string
	Description string
	Tags        []string
	Visibility  models.Visibility
	SourceKey   string
}

func (p NewVideo) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("catalog: video id is required")
	}
	if strings.TrimSpace(p.ChannelID) == "" {
		return errors.New("catalog: channel id is required")
	}
	if strings.TrimSpace(p.SourceKey) == "" {
		return errors.New("catalog: source key is required")
	}
	return nil
}

// Media holds the derived fields written when a transcode commits.
type Media struct {
	ManifestKey     string
	ThumbnailKey    string
	DurationSeconds int
}

// VideoUpdate is an enumerated write command. Build one with MarkProcessing,
// CommitReady, MarkFailed, Publish or RetryFailed.
type VideoUpdate struct {
	name          string
	from          []models.VideoStatus
	to            models.VideoStatus
	media         *Media
	failureReason *string
	publishedAt   *time.Time
}

// MarkProcessing moves an uploaded video into processing.
func MarkProcessing() VideoUpdate {
	return VideoUpdate{
		name: "mark-processing",
		from: []models.VideoStatus{models.StatusUploading},
		to:   models.StatusProcessing,
	}
}

// CommitReady sets the media fields and status ready in one write. Committing
// over a record that is already ready overwrites the media fields, which keeps
// redelivered jobs safe.
func CommitReady(media Media) VideoUpdate {
	empty := ""
	return VideoUpdate{
		name:          "commit-ready",
		from:          []models.VideoStatus{models.StatusProcessing, models.StatusReady},
		to:            models.StatusReady,
		media:         &media,
		failureReason: &empty,
	}
}

// MarkFailed terminates a record that cannot be transcoded.
func MarkFailed(reason string) VideoUpdate {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "transcode failed"
	}
	return VideoUpdate{
		name:          "mark-failed",
		from:          []models.VideoStatus{models.StatusUploading, models.StatusProcessing},
		to:            models.StatusFailed,
		failureReason: &reason,
	}
}

// Publish makes a ready video publicly listed.
func Publish(at time.Time) VideoUpdate {
	at = at.UTC()
	return VideoUpdate{
		name:        "publish",
		from:        []models.VideoStatus{models.StatusReady},
		to:          models.StatusPublished,
		publishedAt: &at,
	}
}

// RetryFailed is the manual recovery edge from failed back to processing.
func RetryFailed() VideoUpdate {
	empty := ""
	return VideoUpdate{
		name:          "retry-failed",
		from:          []models.VideoStatus{models.StatusFailed},
		to:            models.StatusProcessing,
		failureReason: &empty,
	}
}

// Name identifies the command in logs.
func (u VideoUpdate) Name() string {
	return u.name
}

// Target is the status the command writes.
func (u VideoUpdate) Target() models.VideoStatus {
	return u.to
}

// Allows reports whether the command may be applied to a record in status.
func (u VideoUpdate) Allows(status models.VideoStatus) bool {
	for _, candidate := range u.from {
		if candidate == status {
			return true
		}
	}
	return false
}

func (u VideoUpdate) validate() error {
	if u.name == "" || u.to == "" || len(u.from) == 0 {
		return errors.New("catalog: empty video update")
	}
	if u.media != nil {
		if strings.TrimSpace(u.media.ManifestKey) == "" || strings.TrimSpace(u.media.ThumbnailKey) == "" {
			return errors.New("catalog: manifest and thumbnail keys are required")
		}
		if u.media.DurationSeconds < 0 {
			return errors.New("catalog: duration must not be negative")
		}
	}
	return nil
}

func (u VideoUpdate) fromStrings() []string {
	out := make([]string, len(u.from))
	for i, status := range u.from {
		out[i] = string(status)
	}
	return out
}

func (u VideoUpdate) apply(video *models.Video, now time.Time) {
	video.Status = u.to
	if u.media != nil {
		manifest := u.media.ManifestKey
		thumbnail := u.media.ThumbnailKey
		duration := u.media.DurationSeconds
		video.ManifestKey = &manifest
		video.ThumbnailKey = &thumbnail
		video.DurationSeconds = &duration
	}
	if u.failureReason != nil {
		video.FailureReason = *u.failureReason
	}
	if u.publishedAt != nil {
		at := *u.publishedAt
		video.PublishedAt = &at
	}
	video.UpdatedAt = now
}

func transitionError(u VideoUpdate, current models.VideoStatus) error {
	return fmt.Errorf("%w: %s cannot %s (wants %s)", ErrInvalidTransition, current, u.name, strings.Join(u.fromStrings(), "|"))
}
