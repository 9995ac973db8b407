// Package config resolves runtime configuration for every binary. Values
// come from command-line flags first, then VIDEO_PLATFORM_* environment
// variables (optionally loaded from .env files), then defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"video-platform/internal/objectstore"
	"video-platform/internal/queue"
	"video-platform/internal/transcode"
)

const envPrefix = "VIDEO_PLATFORM_"

const (
	ModeDevelopment = "development"
	ModeProduction  = "production"

	CatalogPostgres = "postgres"
	CatalogSQLite   = "sqlite"
	CatalogMemory   = "memory"

	QueueRedis  = "redis"
	QueueMemory = "memory"
)

type HTTPConfig struct {
	Addr            string
	TLSCertFile     string
	TLSKeyFile      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AllowDevHeader bool
}

type CatalogConfig struct {
	Driver          string
	PostgresDSN     string
	SQLitePath      string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	AcquireTimeout  time.Duration
	QueryTimeout    time.Duration
	// AutoMigrate applies the schema at startup instead of relying on
	// cmd/tools/migrate.
	AutoMigrate     bool
}

type QueueConfig struct {
	Driver            string
	RedisAddr         string
	RedisAddrs        []string
	RedisUsername     string
	RedisPassword     string
	RedisDB           int
	RedisMasterName   string
	RedisKeyPrefix    string
	RedisPoolSize     int
	RedisTimeout      time.Duration
	RedisTLS          queue.RedisTLSConfig
	MaxAttempts       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	UploadLimit  int
	UploadWindow time.Duration
}

type TranscoderConfig struct {
	Workers           int
	ScratchDir        string
	FFmpegPath        string
	FFprobePath       string
	Ladder            []transcode.Rendition
	EncodeTimeout     time.Duration
	ProbeTimeout      time.Duration
	EncoderSlots      int
	UploadConcurrency int
	RetryBase         time.Duration
	RetryMax          time.Duration
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	DrainTimeout      time.Duration
	OpsAddr           string
	// Embedded runs the worker pool inside the API process. It is the only
	// way an in-memory queue reaches a worker.
	Embedded          bool
}

type Config struct {
	Mode         string
	LogLevel     string
	LogFormat    string
	HTTP         HTTPConfig
	Auth         AuthConfig
	Catalog      CatalogConfig
	Queue        QueueConfig
	ObjectStore  objectstore.Config
	RateLimit    RateLimitConfig
	UploadURLTTL time.Duration
	Transcoder   TranscoderConfig
}

// Production reports whether the process runs in production mode.
func (c Config) Production() bool {
	return c.Mode == ModeProduction
}

// QueueSettings returns the policy values shared by both queue drivers.
func (c Config) QueueSettings() queue.Config {
	return queue.Config{
		MaxAttempts:       c.Queue.MaxAttempts,
		VisibilityTimeout: c.Queue.VisibilityTimeout,
		PollInterval:      c.Queue.PollInterval,
	}
}

// RedisQueue converts the queue section into the Redis driver config.
func (c Config) RedisQueue() queue.RedisConfig {
	return queue.RedisConfig{
		Addr:         c.Queue.RedisAddr,
		Addrs:        c.Queue.RedisAddrs,
		Username:     c.Queue.RedisUsername,
		Password:     c.Queue.RedisPassword,
		DB:           c.Queue.RedisDB,
		MasterName:   c.Queue.RedisMasterName,
		KeyPrefix:    c.Queue.RedisKeyPrefix,
		PoolSize:     c.Queue.RedisPoolSize,
		DialTimeout:  c.Queue.RedisTimeout,
		ReadTimeout:  c.Queue.RedisTimeout,
		WriteTimeout: c.Queue.RedisTimeout,
		TLS:          c.Queue.RedisTLS,
		Queue:        c.QueueSettings(),
	}
}

// Load parses args (without the program name) after loading any .env files
// named by VIDEO_PLATFORM_ENV_FILE, or ./.env when that is unset. Existing
// environment variables always win over .env entries. Each extra function
// may register command-specific flags on the shared flag set.
func Load(name string, args []string, extra ...func(*flag.FlagSet)) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	for _, register := range extra {
		register(fs)
	}
	mode := fs.String("mode", "", "runtime mode (development or production)")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")

	addr := fs.String("addr", "", "HTTP listen address")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	origins := fs.String("cors-origins", "", "comma separated origins allowed to call the API")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful HTTP shutdown bound")

	jwtSecret := fs.String("jwt-secret", "", "HS256 secret used to verify bearer tokens")
	jwtIssuer := fs.String("jwt-issuer", "", "required token issuer")
	jwtAudience := fs.String("jwt-audience", "", "required token audience")
	devAuth := fs.Bool("dev-auth-header", false, "accept X-User-ID without a token (development only)")

	catalogDriver := fs.String("catalog-driver", "", "catalog driver (postgres, sqlite or memory)")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	sqlitePath := fs.String("sqlite-path", "", "SQLite database file")
	pgMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	pgMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections in the Postgres pool")
	pgLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime of a pooled connection")
	pgIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time of a pooled connection")
	pgAcquire := fs.Duration("postgres-acquire-timeout", 0, "timeout acquiring a pooled connection")
	queryTimeout := fs.Duration("catalog-query-timeout", 0, "bound on every catalog statement")
	autoMigrate := fs.Bool("auto-migrate", false, "apply the catalog schema at startup")

	queueDriver := fs.String("queue-driver", "", "queue driver (redis or memory)")
	redisAddr := fs.String("redis-addr", "", "Redis address for the job queue")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses (sentinel or cluster)")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisDB := fs.Int("redis-db", 0, "Redis database number")
	redisMaster := fs.String("redis-master-name", "", "Redis sentinel master name")
	redisPrefix := fs.String("redis-key-prefix", "", "key prefix for queue keys")
	redisPool := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := fs.Duration("redis-timeout", 0, "dial, read and write timeout for Redis")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	maxAttempts := fs.Int("queue-max-attempts", 0, "deliveries before a job is failed")
	visibility := fs.Duration("queue-visibility-timeout", 0, "lease length of a delivery")
	pollInterval := fs.Duration("queue-poll-interval", 0, "idle poll interval for receivers")

	objectEndpoint := fs.String("object-endpoint", "", "object storage endpoint")
	objectRegion := fs.String("object-region", "", "object storage region")
	objectAccessKey := fs.String("object-access-key", "", "object storage access key")
	objectSecretKey := fs.String("object-secret-key", "", "object storage secret key")
	objectBucket := fs.String("object-bucket", "", "object storage bucket")
	objectUseSSL := fs.Bool("object-use-ssl", false, "use TLS for object storage requests")
	objectPathStyle := fs.Bool("object-path-style", false, "use path-style bucket addressing")
	objectPrefix := fs.String("object-prefix", "", "key prefix inside the bucket")
	objectPublic := fs.String("object-public-endpoint", "", "public base URL for playback")
	objectTimeout := fs.Duration("object-request-timeout", 0, "bound on each object storage request; downloads apply it to stalls")

	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit")
	globalBurst := fs.Int("rate-global-burst", 0, "global rate limit burst")
	uploadLimit := fs.Int("rate-upload-limit", 0, "upload initiations per requester per window")
	uploadWindow := fs.Duration("rate-upload-window", 0, "upload rate limit window")
	uploadTTL := fs.Duration("upload-url-ttl", 0, "lifetime of presigned upload URLs")

	workers := fs.Int("workers", 0, "concurrent transcode jobs")
	scratchDir := fs.String("scratch-dir", "", "directory for per-job working files")
	ffmpeg := fs.String("ffmpeg", "", "ffmpeg binary")
	ffprobe := fs.String("ffprobe", "", "ffprobe binary")
	ladder := fs.String("ladder", "", "rendition ladder as name:WIDTHxHEIGHT:kbps,...")
	encodeTimeout := fs.Duration("encode-timeout", 0, "bound on one encoder run")
	probeTimeout := fs.Duration("probe-timeout", 0, "bound on one probe run")
	encoderSlots := fs.Int("encoder-slots", 0, "concurrent encoder processes")
	uploadConcurrency := fs.Int("upload-concurrency", 0, "parallel artifact uploads per job")
	retryBase := fs.Duration("retry-base", 0, "first retry delay")
	retryMax := fs.Duration("retry-max", 0, "retry delay cap")
	reconcileInterval := fs.Duration("reconcile-interval", 0, "how often stranded videos are requeued")
	reconcileGrace := fs.Duration("reconcile-grace", 0, "age after which a processing video counts as stranded")
	drainTimeout := fs.Duration("drain-timeout", 0, "how long in-flight jobs may finish on shutdown")
	opsAddr := fs.String("ops-addr", "", "listen address for transcoder health and metrics")
	embedded := fs.Bool("embedded-transcoder", false, "run transcode workers inside the API process")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:      modeValue(*mode, env("MODE")),
		LogLevel:  firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		LogFormat: firstNonEmpty(*logFormat, env("LOG_FORMAT"), "json"),
		HTTP: HTTPConfig{
			Addr:            firstNonEmpty(*addr, env("ADDR"), ":8080"),
			TLSCertFile:     firstNonEmpty(*tlsCert, env("TLS_CERT")),
			TLSKeyFile:      firstNonEmpty(*tlsKey, env("TLS_KEY")),
			AllowedOrigins:  splitAndTrim(firstNonEmpty(*origins, env("CORS_ORIGINS"))),
			ShutdownTimeout: resolveDuration(*shutdownTimeout, "SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:      firstNonEmpty(*jwtSecret, env("JWT_SECRET")),
			JWTIssuer:      firstNonEmpty(*jwtIssuer, env("JWT_ISSUER"), "video-platform"),
			JWTAudience:    firstNonEmpty(*jwtAudience, env("JWT_AUDIENCE")),
			AllowDevHeader: resolveBool(*devAuth, "DEV_AUTH_HEADER"),
		},
		Catalog: CatalogConfig{
			Driver:          strings.ToLower(firstNonEmpty(*catalogDriver, env("CATALOG_DRIVER"))),
			PostgresDSN:     firstNonEmpty(*postgresDSN, env("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			SQLitePath:      firstNonEmpty(*sqlitePath, env("SQLITE_PATH"), filepath.Join("data", "catalog.db")),
			MaxConns:        resolveInt(*pgMaxConns, "POSTGRES_MAX_CONNS", 0),
			MinConns:        resolveInt(*pgMinConns, "POSTGRES_MIN_CONNS", 0),
			MaxConnLifetime: resolveDuration(*pgLifetime, "POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdle:     resolveDuration(*pgIdle, "POSTGRES_MAX_CONN_IDLE", 0),
			AcquireTimeout:  resolveDuration(*pgAcquire, "POSTGRES_ACQUIRE_TIMEOUT", 0),
			QueryTimeout:    resolveDuration(*queryTimeout, "CATALOG_QUERY_TIMEOUT", 0),
			AutoMigrate:     resolveBool(*autoMigrate, "AUTO_MIGRATE"),
		},
		Queue: QueueConfig{
			Driver:          strings.ToLower(firstNonEmpty(*queueDriver, env("QUEUE_DRIVER"))),
			RedisAddr:       firstNonEmpty(*redisAddr, env("REDIS_ADDR")),
			RedisAddrs:      splitAndTrim(firstNonEmpty(*redisAddrs, env("REDIS_ADDRS"))),
			RedisUsername:   firstNonEmpty(*redisUsername, env("REDIS_USERNAME")),
			RedisPassword:   firstNonEmpty(*redisPassword, env("REDIS_PASSWORD")),
			RedisDB:         resolveInt(*redisDB, "REDIS_DB", 0),
			RedisMasterName: firstNonEmpty(*redisMaster, env("REDIS_MASTER_NAME")),
			RedisKeyPrefix:  firstNonEmpty(*redisPrefix, env("REDIS_KEY_PREFIX")),
			RedisPoolSize:   resolveInt(*redisPool, "REDIS_POOL_SIZE", 0),
			RedisTimeout:    resolveDuration(*redisTimeout, "REDIS_TIMEOUT", 0),
			RedisTLS: queue.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, env("REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, env("REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, env("REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, env("REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "REDIS_TLS_SKIP_VERIFY"),
			},
			MaxAttempts:       resolveInt(*maxAttempts, "QUEUE_MAX_ATTEMPTS", queue.DefaultMaxAttempts),
			VisibilityTimeout: resolveDuration(*visibility, "QUEUE_VISIBILITY_TIMEOUT", queue.DefaultVisibilityTimeout),
			PollInterval:      resolveDuration(*pollInterval, "QUEUE_POLL_INTERVAL", queue.DefaultPollInterval),
		},
		ObjectStore: objectstore.Config{
			Endpoint:       firstNonEmpty(*objectEndpoint, env("OBJECT_ENDPOINT")),
			Region:         firstNonEmpty(*objectRegion, env("OBJECT_REGION"), "us-east-1"),
			AccessKey:      firstNonEmpty(*objectAccessKey, env("OBJECT_ACCESS_KEY")),
			SecretKey:      firstNonEmpty(*objectSecretKey, env("OBJECT_SECRET_KEY")),
			Bucket:         firstNonEmpty(*objectBucket, env("OBJECT_BUCKET")),
			UseSSL:         resolveBool(*objectUseSSL, "OBJECT_USE_SSL"),
			PathStyle:      resolveBool(*objectPathStyle, "OBJECT_PATH_STYLE"),
			Prefix:         firstNonEmpty(*objectPrefix, env("OBJECT_PREFIX")),
			PublicEndpoint: firstNonEmpty(*objectPublic, env("OBJECT_PUBLIC_ENDPOINT")),
			RequestTimeout: resolveDuration(*objectTimeout, "OBJECT_REQUEST_TIMEOUT", 0),
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:    resolveFloat(*globalRPS, "RATE_GLOBAL_RPS"),
			GlobalBurst:  resolveInt(*globalBurst, "RATE_GLOBAL_BURST", 0),
			UploadLimit:  resolveInt(*uploadLimit, "RATE_UPLOAD_LIMIT", 10),
			UploadWindow: resolveDuration(*uploadWindow, "RATE_UPLOAD_WINDOW", time.Minute),
		},
		UploadURLTTL: resolveDuration(*uploadTTL, "UPLOAD_URL_TTL", time.Hour),
		Transcoder: TranscoderConfig{
			Workers:           resolveInt(*workers, "WORKERS", 2),
			ScratchDir:        firstNonEmpty(*scratchDir, env("SCRATCH_DIR"), os.TempDir()),
			FFmpegPath:        firstNonEmpty(*ffmpeg, env("FFMPEG"), "ffmpeg"),
			FFprobePath:       firstNonEmpty(*ffprobe, env("FFPROBE"), "ffprobe"),
			EncodeTimeout:     resolveDuration(*encodeTimeout, "ENCODE_TIMEOUT", time.Hour),
			ProbeTimeout:      resolveDuration(*probeTimeout, "PROBE_TIMEOUT", 2*time.Minute),
			EncoderSlots:      resolveInt(*encoderSlots, "ENCODER_SLOTS", 0),
			UploadConcurrency: resolveInt(*uploadConcurrency, "UPLOAD_CONCURRENCY", 8),
			RetryBase:         resolveDuration(*retryBase, "RETRY_BASE", 30*time.Second),
			RetryMax:          resolveDuration(*retryMax, "RETRY_MAX", 10*time.Minute),
			ReconcileInterval: resolveDuration(*reconcileInterval, "RECONCILE_INTERVAL", time.Minute),
			ReconcileGrace:    resolveDuration(*reconcileGrace, "RECONCILE_GRACE", 15*time.Minute),
			DrainTimeout:      resolveDuration(*drainTimeout, "DRAIN_TIMEOUT", 2*time.Minute),
			OpsAddr:           firstNonEmpty(*opsAddr, env("OPS_ADDR"), ":9090"),
			Embedded:          resolveBool(*embedded, "EMBEDDED_TRANSCODER"),
		},
	}

	rungs, err := transcode.ParseLadder(firstNonEmpty(*ladder, env("LADDER")))
	if err != nil {
		return Config{}, err
	}
	cfg.Transcoder.Ladder = rungs

	cfg.applyDriverDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDriverDefaults picks Postgres and Redis when they are configured, and
// in-process drivers otherwise.
func (c *Config) applyDriverDefaults() {
	if c.Catalog.Driver == "" {
		if c.Catalog.PostgresDSN != "" {
			c.Catalog.Driver = CatalogPostgres
		} else {
			c.Catalog.Driver = CatalogSQLite
		}
	}
	if c.Queue.Driver == "" {
		if c.Queue.RedisAddr != "" || len(c.Queue.RedisAddrs) > 0 {
			c.Queue.Driver = QueueRedis
		} else {
			c.Queue.Driver = QueueMemory
		}
	}
}

// Validate rejects combinations that cannot run.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	switch c.Catalog.Driver {
	case CatalogPostgres:
		if c.Catalog.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres catalog selected without a DSN"))
		}
	case CatalogSQLite, CatalogMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver))
	}
	switch c.Queue.Driver {
	case QueueRedis:
		if c.Queue.RedisAddr == "" && len(c.Queue.RedisAddrs) == 0 {
			errs = append(errs, errors.New("redis queue selected without an address"))
		}
	case QueueMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.Queue.Driver))
	}
	if (c.HTTP.TLSCertFile == "") != (c.HTTP.TLSKeyFile == "") {
		errs = append(errs, errors.New("both TLS cert and key must be provided"))
	}
	if c.Transcoder.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.Production() {
		if c.Auth.AllowDevHeader {
			errs = append(errs, errors.New("the X-User-ID header cannot be enabled in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("production mode requires a JWT secret"))
		}
		if c.Catalog.Driver != CatalogPostgres {
			errs = append(errs, fmt.Errorf("production mode requires the postgres catalog, got %q", c.Catalog.Driver))
		}
		if c.Queue.Driver != QueueRedis {
			errs = append(errs, fmt.Errorf("production mode requires the redis queue, got %q", c.Queue.Driver))
		}
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, errors.New("production mode requires an object storage bucket"))
		}
	}
	return errors.Join(errs...)
}

func loadEnvFiles() error {
	files := splitAndTrim(os.Getenv(envPrefix + "ENV_FILE"))
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func env(key string) string {
	return os.Getenv(envPrefix + key)
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(firstNonEmpty(flagMode, envMode))
	if mode == "" {
		return ModeDevelopment
	}
	return mode
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, key string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env(key); raw != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, key string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env(key); raw != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, key string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env(key); raw != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, key string) bool {
	if flagValue {
		return true
	}
	if raw, ok := os.LookupEnv(envPrefix + key); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return value
		}
	}
	return false
}
