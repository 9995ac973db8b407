package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"video-platform/internal/models"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLite is a single-node catalog for development and small deployments.
// Timestamps are stored as unix milliseconds.
type SQLite struct {
	db           *sql.DB
	queryTimeout time.Duration
	now          func() time.Time
}

// OpenSQLite opens (creating when needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers and keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	store := &SQLite{
		db:           db,
		queryTimeout: defaultQueryTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *SQLite) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var (
		channel   models.Channel
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, owner_id, name, created_at FROM channels WHERE id = ?`, id).
		Scan(&channel.ID, &channel.OwnerID, &channel.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Channel{}, ErrNotFound
		}
		return models.Channel{}, fmt.Errorf("get channel %s: %w", id, err)
	}
	channel.CreatedAt = fromMillis(createdAt)
	return channel, nil
}

func (s *SQLite) CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error) {
	if strings.TrimSpace(channel.ID) == "" || strings.TrimSpace(channel.OwnerID) == "" {
		return models.Channel{}, errors.New("catalog: channel id and owner are required")
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = s.now()
	}
	channel.CreatedAt = fromMillis(toMillis(channel.CreatedAt))
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channels (id, owner_id, name, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name
`, channel.ID, channel.OwnerID, channel.Name, toMillis(channel.CreatedAt))
	if err != nil {
		return models.Channel{}, fmt.Errorf("create channel %s: %w", channel.ID, err)
	}
	return channel, nil
}

func (s *SQLite) CreateVideo(ctx context.Context, params NewVideo) (models.Video, error) {
	if err := params.validate(); err != nil {
		return models.Video{}, err
	}
	if _, err := s.GetChannel(ctx, params.ChannelID); err != nil {
		return models.Video{}, err
	}
	visibility := params.Visibility
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	tags, err := json.Marshal(append([]string{}, params.Tags...))
	if err != nil {
		return models.Video{}, fmt.Errorf("encode tags: %w", err)
	}
	now := toMillis(s.now())
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
INSERT INTO videos (id, channel_id, title, description, tags, visibility, status, source_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING `+videoColumns,
		params.ID, params.ChannelID, params.Title, params.Description, string(tags),
		string(visibility), string(models.StatusUploading), params.SourceKey, now, now)
	video, err := scanSQLiteVideo(row)
	if err != nil {
		return models.Video{}, fmt.Errorf("create video %s: %w", params.ID, err)
	}
	return video, nil
}

func (s *SQLite) GetVideo(ctx context.Context, id string) (models.Video, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	video, err := scanSQLiteVideo(s.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("get video %s: %w", id, err)
	}
	return video, nil
}

func (s *SQLite) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	if err := update.validate(); err != nil {
		return models.Video{}, err
	}
	var manifest, thumbnail, reason sql.NullString
	var duration, publishedAt sql.NullInt64
	if update.media != nil {
		manifest = sql.NullString{String: update.media.ManifestKey, Valid: true}
		thumbnail = sql.NullString{String: update.media.ThumbnailKey, Valid: true}
		duration = sql.NullInt64{Int64: int64(update.media.DurationSeconds), Valid: true}
	}
	if update.failureReason != nil {
		reason = sql.NullString{String: *update.failureReason, Valid: true}
	}
	if update.publishedAt != nil {
		publishedAt = sql.NullInt64{Int64: toMillis(*update.publishedAt), Valid: true}
	}

	from := update.fromStrings()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(update.to), manifest, thumbnail, duration, reason, publishedAt, toMillis(s.now()), id}
	for _, status := range from {
		args = append(args, status)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `
UPDATE videos SET
    status = ?,
    manifest_key = COALESCE(?, manifest_key),
    thumbnail_key = COALESCE(?, thumbnail_key),
    duration_seconds = COALESCE(?, duration_seconds),
    failure_reason = COALESCE(?, failure_reason),
    published_at = COALESCE(?, published_at),
    updated_at = ?
WHERE id = ? AND status IN (`+placeholders+`)
RETURNING `+videoColumns, args...)
	video, err := scanSQLiteVideo(row)
	if err == nil {
		return video, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Video{}, fmt.Errorf("update video %s (%s): %w", id, update.name, err)
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM videos WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Video{}, ErrConflict
		}
		return models.Video{}, fmt.Errorf("update video %s (%s): %w", id, update.name, err)
	}
	return models.Video{}, transitionError(update, models.VideoStatus(current))
}

func (s *SQLite) ListStale(ctx context.Context, status models.VideoStatus, before time.Time, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
SELECT `+videoColumns+`
FROM videos
WHERE status = ? AND updated_at < ?
ORDER BY updated_at
LIMIT ?
`, string(status), toMillis(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale videos: %w", err)
	}
	defer rows.Close()
	var out []models.Video
	for rows.Next() {
		video, err := scanSQLiteVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale video: %w", err)
		}
		out = append(out, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale videos: %w", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteVideo(row rowScanner) (models.Video, error) {
	var (
		video       models.Video
		tags        string
		visibility  string
		status      string
		manifest    sql.NullString
		thumbnail   sql.NullString
		duration    sql.NullInt64
		publishedAt sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&video.ID,
		&video.ChannelID,
		&video.Title,
		&video.Description,
		&tags,
		&visibility,
		&status,
		&video.SourceKey,
		&manifest,
		&thumbnail,
		&duration,
		&video.FailureReason,
		&publishedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	if err := json.Unmarshal([]byte(tags), &video.Tags); err != nil {
		return models.Video{}, fmt.Errorf("decode tags: %w", err)
	}
	if video.Tags == nil {
		video.Tags = []string{}
	}
	video.Visibility = models.Visibility(visibility)
	video.Status = models.VideoStatus(status)
	if manifest.Valid {
		video.ManifestKey = &manifest.String
	}
	if thumbnail.Valid {
		video.ThumbnailKey = &thumbnail.String
	}
	if duration.Valid {
		d := int(duration.Int64)
		video.DurationSeconds = &d
	}
	if publishedAt.Valid {
		at := fromMillis(publishedAt.Int64)
		video.PublishedAt = &at
	}
	video.CreatedAt = fromMillis(createdAt)
	video.UpdatedAt = fromMillis(updatedAt)
	return video, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
