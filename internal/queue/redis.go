package queue

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed queue.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	DB           int
	MasterName   string
	// KeyPrefix namespaces every key. It should carry a hash tag so all
	// queue keys land in one cluster slot.
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
	Logger       *slog.Logger

	Queue Config
}

const defaultKeyPrefix = "{video-platform:transcode}"

// Redis keeps pending and in-flight video ids in two sorted sets scored by
// visibility time, and per-job state in a hash. Every state change runs in a
// Lua script so ownership checks and moves are atomic.
type Redis struct {
	client      redis.UniversalClient
	ownsClient  bool
	cfg         Config
	prefix      string
	pendingKey  string
	inflightKey string
	logger      *slog.Logger
	now         func() time.Time
}

// NewRedis dials Redis (standalone, sentinel or cluster, depending on the
// addresses given) and returns a queue using it.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client, err := DialRedis(cfg)
	if err != nil {
		return nil, err
	}
	q := NewRedisWithClient(client, cfg.KeyPrefix, cfg.Queue, cfg.Logger)
	q.ownsClient = true
	return q, nil
}

// DialRedis builds the universal client described by cfg. Other Redis users
// in the same process (the upload rate limiter) share it.
func DialRedis(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		DB:           cfg.DB,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// NewRedisWithClient wraps an existing client. The caller keeps ownership of
// the client.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string, cfg Config, logger *slog.Logger) *Redis {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:      client,
		cfg:         cfg.withDefaults(),
		prefix:      prefix,
		pendingKey:  prefix + ":pending",
		inflightKey: prefix + ":inflight",
		logger:      logger,
		now:         time.Now,
	}
}

func (q *Redis) jobKeyPrefix() string {
	return q.prefix + ":job:"
}

func (q *Redis) jobKey(videoID string) string {
	return q.jobKeyPrefix() + videoID
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'attempt', 0, 'max_attempts', ARGV[3], 'enqueued_at', ARGV[2], 'visible_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// receiveScript claims the earliest visible pending id, falling back to an
// in-flight id whose deadline has passed.
var receiveScript = redis.NewScript(`
local id
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids > 0 then
  id = ids[1]
  redis.call('ZREM', KEYS[1], id)
else
  ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #ids == 0 then
    return false
  end
  id = ids[1]
end
local jobKey = ARGV[4] .. id
if redis.call('EXISTS', jobKey) == 0 then
  redis.call('ZREM', KEYS[2], id)
  return false
end
local attempt = tonumber(redis.call('HGET', jobKey, 'attempt'))
local maxAttempts = tonumber(redis.call('HGET', jobKey, 'max_attempts'))
local exhausted = 0
if attempt >= maxAttempts then
  exhausted = 1
else
  attempt = redis.call('HINCRBY', jobKey, 'attempt', 1)
end
redis.call('HSET', jobKey, 'token', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, attempt, maxAttempts, redis.call('HGET', jobKey, 'enqueued_at'), redis.call('HGET', jobKey, 'visible_at'), exhausted}
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'token')
redis.call('HSET', KEYS[1], 'visible_at', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

func (q *Redis) Enqueue(ctx context.Context, videoID string) (bool, error) {
	if !validVideoID(videoID) {
		return false, fmt.Errorf("queue: invalid video id %q", videoID)
	}
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(videoID), q.pendingKey},
		videoID, millis(q.now()), q.cfg.MaxAttempts,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", videoID, err)
	}
	return added == 1, nil
}

func (q *Redis) Receive(ctx context.Context) (Delivery, error) {
	for {
		delivery, ok, err := q.tryReceive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Delivery{}, ctxErr
			}
			q.logger.Warn("redis queue receive failed", "error", err)
		}
		if ok {
			return delivery, nil
		}
		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Redis) tryReceive(ctx context.Context) (Delivery, bool, error) {
	now := q.now()
	nonce := uuid.NewString()
	reply, err := receiveScript.Run(ctx, q.client,
		[]string{q.pendingKey, q.inflightKey},
		millis(now), millis(now.Add(q.cfg.VisibilityTimeout)), nonce, q.jobKeyPrefix(),
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, err
	}
	if len(reply) != 6 {
		return Delivery{}, false, fmt.Errorf("unexpected receive reply length %d", len(reply))
	}
	videoID, _ := reply[0].(string)
	attempt, _ := reply[1].(int64)
	maxAttempts, _ := reply[2].(int64)
	enqueuedAt := parseMillis(reply[3])
	visibleAt := parseMillis(reply[4])
	exhausted, _ := reply[5].(int64)
	if videoID == "" {
		return Delivery{}, false, fmt.Errorf("receive reply without video id")
	}
	return Delivery{
		Job: Job{
			VideoID:     videoID,
			Attempt:     int(attempt),
			MaxAttempts: int(maxAttempts),
			EnqueuedAt:  enqueuedAt,
			VisibleAt:   visibleAt,
		},
		Token:     formatToken(videoID, nonce),
		Exhausted: exhausted == 1,
	}, true, nil
}

func parseMillis(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (q *Redis) runOwned(ctx context.Context, script *redis.Script, token string, keys []string, extra ...interface{}) error {
	videoID, nonce, err := parseToken(token)
	if err != nil {
		return err
	}
	fullKeys := append([]string{q.jobKey(videoID)}, keys...)
	args := append([]interface{}{videoID, nonce}, extra...)
	ok, err := script.Run(ctx, q.client, fullKeys, args...).Int()
	if err != nil {
		return fmt.Errorf("queue %s: %w", videoID, err)
	}
	if ok != 1 {
		return ErrStaleToken
	}
	return nil
}

func (q *Redis) Ack(ctx context.Context, token string) error {
	return q.runOwned(ctx, ackScript, token, []string{q.inflightKey, q.pendingKey})
}

func (q *Redis) Extend(ctx context.Context, token string, visibility time.Duration) error {
	return q.runOwned(ctx, extendScript, token, []string{q.inflightKey}, millis(q.now().Add(visibility)))
}

func (q *Redis) Retry(ctx context.Context, token string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return q.runOwned(ctx, retryScript, token, []string{q.inflightKey, q.pendingKey}, millis(q.now().Add(delay)))
}

func (q *Redis) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.pendingKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Pending: pending.Val(), InFlight: inflight.Val()}, nil
}

// Ping checks connectivity for health probes.
func (q *Redis) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Redis) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
