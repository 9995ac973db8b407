package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"video-platform/internal/models"
)

//go:embed schema/postgres.sql
var postgresSchema string

const videoColumns = `id, channel_id, title, description, tags, visibility, status, source_key,
	manifest_key, thumbnail_key, duration_seconds, failure_reason, published_at, created_at, updated_at`

// PostgresConfig describes how the catalog initialises its connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	// QueryTimeout bounds every statement issued by the catalog.
	QueryTimeout    time.Duration
	ApplicationName string
}

const defaultQueryTimeout = 5 * time.Second

// Option tunes the Postgres catalog.
type Option func(*PostgresConfig)

func WithPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

func WithPoolDurations(lifetime, idle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if lifetime > 0 {
			cfg.MaxConnLifetime = lifetime
		}
		if idle > 0 {
			cfg.MaxConnIdleTime = idle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

// WithAcquireTimeout bounds how long a new connection may take to establish.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithQueryTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.QueryTimeout = timeout
		}
	}
}

func WithApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = strings.TrimSpace(name)
	}
}

// Postgres is the production catalog.
type Postgres struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg := PostgresConfig{DSN: dsn, MinConnections: -1, QueryTimeout: defaultQueryTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{
		pool: pool,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.QueryTimeout)
}

// Migrate applies the embedded schema inside a single transaction.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer rollbackTx(ctx, tx)
	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if tx == nil {
		return
	}
	_ = tx.Rollback(ctx)
}

func (p *Postgres) GetChannel(ctx context.Context, id string) (models.Channel, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	var channel models.Channel
	err := p.pool.QueryRow(ctx, `SELECT id, owner_id, name, created_at FROM channels WHERE id = $1`, id).
		Scan(&channel.ID, &channel.OwnerID, &channel.Name, &channel.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return models.Channel{}, ErrNotFound
		}
		return models.Channel{}, fmt.Errorf("get channel %s: %w", id, err)
	}
	channel.CreatedAt = channel.CreatedAt.UTC()
	return channel, nil
}

func (p *Postgres) CreateChannel(ctx context.Context, channel models.Channel) (models.Channel, error) {
	if strings.TrimSpace(channel.ID) == "" || strings.TrimSpace(channel.OwnerID) == "" {
		return models.Channel{}, errors.New("catalog: channel id and owner are required")
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = p.now()
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
INSERT INTO channels (id, owner_id, name, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name
`, channel.ID, channel.OwnerID, channel.Name, channel.CreatedAt.UTC())
	if err != nil {
		return models.Channel{}, fmt.Errorf("create channel %s: %w", channel.ID, err)
	}
	return channel, nil
}

func (p *Postgres) CreateVideo(ctx context.Context, params NewVideo) (models.Video, error) {
	if err := params.validate(); err != nil {
		return models.Video{}, err
	}
	visibility := params.Visibility
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	now := p.now()
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.pool.QueryRow(ctx, `
INSERT INTO videos (id, channel_id, title, description, tags, visibility, status, source_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING `+videoColumns,
		params.ID, params.ChannelID, params.Title, params.Description, append([]string{}, params.Tags...),
		string(visibility), string(models.StatusUploading), params.SourceKey, now)
	video, err := scanVideo(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("create video %s: %w", params.ID, err)
	}
	return video, nil
}

func (p *Postgres) GetVideo(ctx context.Context, id string) (models.Video, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	video, err := scanVideo(p.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, ErrNotFound
		}
		return models.Video{}, fmt.Errorf("get video %s: %w", id, err)
	}
	return video, nil
}

// UpdateVideo applies update in one conditional statement. When no row
// matches it distinguishes a missing record from a failed precondition.
func (p *Postgres) UpdateVideo(ctx context.Context, id string, update VideoUpdate) (models.Video, error) {
	if err := update.validate(); err != nil {
		return models.Video{}, err
	}
	var manifest, thumbnail *string
	var duration *int32
	if update.media != nil {
		manifest = &update.media.ManifestKey
		thumbnail = &update.media.ThumbnailKey
		d := int32(update.media.DurationSeconds)
		duration = &d
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.pool.QueryRow(ctx, `
UPDATE videos SET
    status = $2,
    manifest_key = COALESCE($3, manifest_key),
    thumbnail_key = COALESCE($4, thumbnail_key),
    duration_seconds = COALESCE($5, duration_seconds),
    failure_reason = COALESCE($6, failure_reason),
    published_at = COALESCE($7, published_at),
    updated_at = $8
WHERE id = $1 AND status = ANY($9)
RETURNING `+videoColumns,
		id, string(update.to), manifest, thumbnail, duration, update.failureReason, update.publishedAt,
		p.now(), update.fromStrings())
	video, err := scanVideo(row)
	if err == nil {
		return video, nil
	}
	if !isNoRows(err) {
		return models.Video{}, fmt.Errorf("update video %s (%s): %w", id, update.name, err)
	}

	var current string
	err = p.pool.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if isNoRows(err) {
			return models.Video{}, ErrConflict
		}
		return models.Video{}, fmt.Errorf("update video %s (%s): %w", id, update.name, err)
	}
	return models.Video{}, transitionError(update, models.VideoStatus(current))
}

func (p *Postgres) ListStale(ctx context.Context, status models.VideoStatus, before time.Time, limit int) ([]models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	rows, err := p.pool.Query(ctx, `
SELECT `+videoColumns+`
FROM videos
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at
LIMIT $3
`, string(status), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale videos: %w", err)
	}
	defer rows.Close()
	var out []models.Video
	for rows.Next() {
		video, err := scanVideo(rows)
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

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx expires first.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		video       models.Video
		visibility  string
		status      string
		duration    *int32
		publishedAt *time.Time
	)
	err := row.Scan(
		&video.ID,
		&video.ChannelID,
		&video.Title,
		&video.Description,
		&video.Tags,
		&visibility,
		&status,
		&video.SourceKey,
		&video.ManifestKey,
		&video.ThumbnailKey,
		&duration,
		&video.FailureReason,
		&publishedAt,
		&video.CreatedAt,
		&video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	video.Visibility = models.Visibility(visibility)
	video.Status = models.VideoStatus(status)
	if duration != nil {
		d := int(*duration)
		video.DurationSeconds = &d
	}
	if publishedAt != nil {
		at := publishedAt.UTC()
		video.PublishedAt = &at
	}
	if video.Tags == nil {
		video.Tags = []string{}
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return video, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
