// Package objectstore wraps the blob store holding source uploads and
// transcoded artifacts. Callers address objects by key only; the bucket and
// optional key prefix come from Config.
package objectstore

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrNotFound reports that the requested object does not exist.
var ErrNotFound = errors.New("objectstore: object not found")

const (
	ContentTypeManifest = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeJPEG     = "image/jpeg"
	ContentTypeBinary   = "application/octet-stream"

	defaultRequestTimeout = 30 * time.Second
)

// Config describes the bucket and endpoint used by the S3 client.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	PathStyle      bool
	Prefix         string
	PublicEndpoint string
	// RequestTimeout bounds one request. Downloads apply it to the header
	// wait and to stalls in the body instead of the whole transfer.
	RequestTimeout time.Duration
}

func (cfg Config) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return cfg.RequestTimeout
}

// PresignedRequest is a time-limited write target handed to uploaders.
type PresignedRequest struct {
	URL       string
	Method    string
	Headers   http.Header
	ExpiresAt time.Time
}

// Client is the blob store surface the pipeline depends on. Implementations
// never retry on their own; retry policy belongs to the caller.
type Client interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (PresignedRequest, error)
	Download(ctx context.Context, key, dstPath string) error
	Upload(ctx context.Context, key, srcPath, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// SourceKey is where the client uploads the original file for a video.
func SourceKey(videoID string) string {
	return "uploads/" + videoID + "/original"
}

// HLSPrefix roots every streaming artifact of a video.
func HLSPrefix(videoID string) string {
	return "videos/" + videoID + "/hls/"
}

// MasterManifestKey is the adaptive manifest players load first.
func MasterManifestKey(videoID string) string {
	return HLSPrefix(videoID) + "master.m3u8"
}

// ThumbnailKey is the poster image for a video.
func ThumbnailKey(videoID string) string {
	return "videos/" + videoID + "/thumbnail.jpg"
}

// ContentTypeFor picks the content type tag for an artifact by extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return ContentTypeManifest
	case ".ts":
		return ContentTypeSegment
	case ".jpg", ".jpeg":
		return ContentTypeJPEG
	default:
		return ContentTypeBinary
	}
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func stripPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func joinURL(base, key string) string {
	trimmedBase := strings.TrimRight(strings.TrimSpace(base), "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	segments := strings.Split(trimmedKey, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return trimmedBase + "/" + strings.Join(segments, "/")
}

// endpointURL normalises Endpoint into a base URL, honouring UseSSL when the
// endpoint is given without a scheme.
func endpointURL(cfg Config) (string, bool) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return "", false
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	host := endpoint
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Host == "" {
			return "", false
		}
		host = parsed.Host
		if parsed.Scheme != "" {
			scheme = parsed.Scheme
		}
	}
	u := url.URL{Scheme: scheme, Host: host}
	return u.String(), true
}
