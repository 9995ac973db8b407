package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"video-platform/internal/catalog"
	"video-platform/internal/models"
	"video-platform/internal/queue"
)

func seedFailedVideo(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	store, err := catalog.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close(ctx)
	if _, err := store.CreateChannel(ctx, models.Channel{ID: "chan-1", OwnerID: "user-1"}); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if _, err := store.CreateVideo(ctx, catalog.NewVideo{ID: "video-1", ChannelID: "chan-1", Title: "clip", SourceKey: "uploads/video-1/original"}); err != nil {
		t.Fatalf("create video: %v", err)
	}
	if _, err := store.UpdateVideo(ctx, "video-1", catalog.MarkFailed("probe failed")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
}

func TestRunRequeuesFailedVideo(t *testing.T) {
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "catalog.db")
	seedFailedVideo(t, path)

	args := []string{
		"--catalog-driver", "sqlite", "--sqlite-path", path,
		"--queue-driver", "redis", "--redis-addr", mr.Addr(),
		"--video-id", "video-1",
	}
	var out bytes.Buffer
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "processing") {
		t.Fatalf("unexpected output %q", out.String())
	}

	store, err := catalog.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close(context.Background())
	video, err := store.GetVideo(context.Background(), "video-1")
	if err != nil || video.Status != models.StatusProcessing || video.FailureReason != "" {
		t.Fatalf("unexpected video %+v %v", video, err)
	}

	jobs, err := queue.NewRedis(queue.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("dial queue: %v", err)
	}
	defer jobs.Close()
	depth, err := jobs.Depth(context.Background())
	if err != nil || depth.Pending != 1 {
		t.Fatalf("expected one pending job, got %+v %v", depth, err)
	}
	if err := run(context.Background(), args, &out); err == nil || !strings.Contains(err.Error(), "not in the failed state") {
		t.Fatalf("second retry should be rejected, got %v", err)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	if err := run(context.Background(), []string{"--catalog-driver", "memory"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected --video-id to be required")
	}
	err := run(context.Background(), []string{"--catalog-driver", "memory", "--video-id", "video-1"}, &bytes.Buffer{})
	if !errors.Is(err, errMemoryQueue) {
		t.Fatalf("expected errMemoryQueue, got %v", err)
	}
}
