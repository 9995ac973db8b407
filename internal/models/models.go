package models

import (
	"strings"
	"time"
)

// VideoStatus is the lifecycle state of a video record.
type VideoStatus string

const (
	StatusUploading  VideoStatus = "uploading"
	StatusProcessing VideoStatus = "processing"
	StatusReady      VideoStatus = "ready"
	StatusPublished  VideoStatus = "published"
	StatusFailed     VideoStatus = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s VideoStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further automated transition can leave s.
func (s VideoStatus) Terminal() bool {
	return s == StatusPublished || s == StatusFailed
}

// Visibility controls who can read a video once it is ready.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// ParseVisibility normalises user input, defaulting to public when empty.
func ParseVisibility(raw string) (Visibility, bool) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case "", VisibilityPublic:
		return VisibilityPublic, true
	case VisibilityUnlisted:
		return VisibilityUnlisted, true
	case VisibilityPrivate:
		return VisibilityPrivate, true
	}
	return "", false
}

type Channel struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Video is the catalog record tracked through the ingestion pipeline. The
// media fields (ManifestKey, ThumbnailKey, DurationSeconds) are nil until the
// record reaches StatusReady and are always populated together.
type Video struct {
	ID              string      `json:"id"`
	ChannelID       string      `json:"channelId"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	Tags            []string    `json:"tags"`
	Visibility      Visibility  `json:"visibility"`
	Status          VideoStatus `json:"status"`
	SourceKey       string      `json:"sourceKey"`
	ManifestKey     *string     `json:"manifestKey,omitempty"`
	ThumbnailKey    *string     `json:"thumbnailKey,omitempty"`
	DurationSeconds *int        `json:"durationSeconds,omitempty"`
	FailureReason   string      `json:"failureReason,omitempty"`
	PublishedAt     *time.Time  `json:"publishedAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// HasMedia reports whether all derived media fields are populated.
func (v Video) HasMedia() bool {
	return v.ManifestKey != nil && *v.ManifestKey != "" &&
		v.ThumbnailKey != nil && *v.ThumbnailKey != "" &&
		v.DurationSeconds != nil
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (v Video) Clone() Video {
	out := v
	if v.Tags != nil {
		out.Tags = append([]string(nil), v.Tags...)
	}
	if v.ManifestKey != nil {
		key := *v.ManifestKey
		out.ManifestKey = &key
	}
	if v.ThumbnailKey != nil {
		key := *v.ThumbnailKey
		out.ThumbnailKey = &key
	}
	if v.DurationSeconds != nil {
		d := *v.DurationSeconds
		out.DurationSeconds = &d
	}
	if v.PublishedAt != nil {
		at := *v.PublishedAt
		out.PublishedAt = &at
	}
	return out
}
