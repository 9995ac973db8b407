// Command retry-video moves a failed video back to processing and queues a
// fresh transcode job for it. Ownership checks are skipped: this is an
// operator tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"video-platform/internal/app"
	"video-platform/internal/config"
	"video-platform/internal/observability/logging"
	"video-platform/internal/uploads"
)

var errMemoryQueue = errors.New("retry-video needs the redis queue shared with the transcoder")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "retry-video: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var videoID string
	cfg, err := config.Load("retry-video", args, func(fs *flag.FlagSet) {
		fs.StringVar(&videoID, "video-id", "", "failed video to retry")
	})
	if err != nil {
		return err
	}
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return errors.New("--video-id is required")
	}
	if cfg.Queue.Driver != config.QueueRedis {
		return errMemoryQueue
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: os.Stderr, Service: "video-retry"})
	store, err := app.OpenCatalog(ctx, cfg, "video-retry", logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close(context.Background())

	client, err := app.DialRedis(cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()
	jobs := app.OpenQueue(cfg, client, logger)
	defer jobs.Close()

	service := uploads.NewService(uploads.Config{Catalog: store, Queue: jobs, Logger: logger})
	result, err := service.RetryFailed(ctx, "", videoID)
	switch {
	case errors.Is(err, uploads.ErrNotFound):
		return fmt.Errorf("video %s does not exist", videoID)
	case errors.Is(err, uploads.ErrInvalidState):
		return fmt.Errorf("video %s is not in the failed state", videoID)
	case err != nil:
		return err
	}
	fmt.Fprintf(out, "Video %s is %s and queued for transcoding.\n", result.VideoID, result.Status)
	return nil
}
