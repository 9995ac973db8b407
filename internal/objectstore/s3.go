package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 talks to any S3-compatible endpoint (AWS, MinIO, R2).
type S3 struct {
	cfg     Config
	client  *s3.Client
	presign *s3.PresignClient
	baseURL string
}

// NewS3 builds an S3 client from cfg. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	baseURL, hasEndpoint := endpointURL(cfg)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if hasEndpoint {
			o.BaseEndpoint = aws.String(baseURL)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	if !hasEndpoint {
		baseURL = fmt.Sprintf("https://s3.%s.amazonaws.com", region)
	}
	return &S3{
		cfg:     cfg,
		client:  client,
		presign: s3.NewPresignClient(client),
		baseURL: baseURL,
	}, nil
}

func (s *S3) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (PresignedRequest, error) {
	if ttl <= 0 {
		return PresignedRequest{}, errors.New("objectstore: presign ttl must be positive")
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(applyPrefix(s.cfg.Prefix, key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	issuedAt := time.Now().UTC()
	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return PresignedRequest{}, fmt.Errorf("presign put %s: %w", key, err)
	}
	return PresignedRequest{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   req.SignedHeader,
		ExpiresAt: issuedAt.Add(ttl),
	}, nil
}

// Download streams key into dstPath. The request timeout bounds the wait for
// response headers and any stall while reading the body, not the transfer as
// a whole, so a large source is limited only by ctx.
func (s *S3) Download(ctx context.Context, key, dstPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := newStallWatchdog(s.cfg.requestTimeout(), cancel)
	defer watchdog.stop()

	finalKey := applyPrefix(s.cfg.Prefix, key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("download %s: %w", finalKey, ErrNotFound)
		}
		return fmt.Errorf("download %s: %w", finalKey, watchdog.explain(err))
	}
	defer out.Body.Close()

	file, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", dstPath, err)
	}
	if _, err := io.Copy(file, watchdog.reader(out.Body)); err != nil {
		_ = file.Close()
		_ = os.Remove(dstPath)
		return fmt.Errorf("download %s: %w", finalKey, watchdog.explain(err))
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(dstPath)
		return fmt.Errorf("close %s: %w", dstPath, err)
	}
	return nil
}

// stallWatchdog cancels a transfer that makes no progress for timeout. Every
// successful read re-arms it.
type stallWatchdog struct {
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newStallWatchdog(timeout time.Duration, cancel context.CancelFunc) *stallWatchdog {
	w := &stallWatchdog{timeout: timeout}
	w.timer = time.AfterFunc(timeout, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

func (w *stallWatchdog) stop() { w.timer.Stop() }

func (w *stallWatchdog) reader(r io.Reader) io.Reader {
	return &progressReader{r: r, watchdog: w}
}

// explain reports a watchdog cancellation as a deadline rather than as the
// context.Canceled the SDK surfaces.
func (w *stallWatchdog) explain(err error) error {
	if w.fired.Load() {
		return fmt.Errorf("no progress for %s: %w", w.timeout, context.DeadlineExceeded)
	}
	return err
}

type progressReader struct {
	r        io.Reader
	watchdog *stallWatchdog
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && !p.watchdog.fired.Load() {
		p.watchdog.timer.Reset(p.watchdog.timeout)
	}
	return n, err
}

func (s *S3) Upload(ctx context.Context, key, srcPath, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()

	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", srcPath, err)
	}

	finalKey := applyPrefix(s.cfg.Prefix, key)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(finalKey),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	return nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()

	finalPrefix := applyPrefix(s.cfg.Prefix, prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(finalPrefix, "/") {
		finalPrefix += "/"
	}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(finalPrefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", finalPrefix, err)
		}
		for _, object := range page.Contents {
			keys = append(keys, stripPrefix(s.cfg.Prefix, aws.ToString(object.Key)))
		}
	}
	return keys, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.requestTimeout())
	defer cancel()

	finalKey := applyPrefix(s.cfg.Prefix, key)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(finalKey),
	}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

// PublicURL returns the viewer-facing URL for key. Without a configured
// public endpoint it falls back to a path-style URL on the API endpoint.
func (s *S3) PublicURL(key string) string {
	finalKey := applyPrefix(s.cfg.Prefix, key)
	if base := strings.TrimSpace(s.cfg.PublicEndpoint); base != "" {
		return joinURL(base, finalKey)
	}
	return joinURL(joinURL(s.baseURL, s.cfg.Bucket), finalKey)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
