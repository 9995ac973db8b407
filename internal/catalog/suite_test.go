package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"video-platform/internal/models"
)

// runCatalogSuite exercises the behaviour every Catalog implementation shares.
func runCatalogSuite(t *testing.T, open func(t *testing.T) Catalog) {
	t.Run("create and get", func(t *testing.T) {
		cat := open(t)
		ctx := context.Background()
		seedChannel(t, cat, "chan-1", "owner-1")

		created, err := cat.CreateVideo(ctx, NewVideo{
			ID:          "vid-1",
			ChannelID:   "chan-1",
			Title:       "Holiday",
			Description: "beach",
			Tags:        []string{"travel", "sea"},
			Visibility:  models.VisibilityUnlisted,
			SourceKey:   "uploads/vid-1/original",
		})
		if err != nil {
			t.Fatalf("CreateVideo: %v", err)
		}
		if created.Status != models.StatusUploading {
			t.Fatalf("expected uploading, got %s", created.Status)
		}
		if created.HasMedia() || created.ManifestKey != nil {
			t.Fatalf("new video must not carry media fields")
		}

		got, err := cat.GetVideo(ctx, "vid-1")
		if err != nil {
			t.Fatalf("GetVideo: %v", err)
		}
		if got.SourceKey != "uploads/vid-1/original" || got.Title != "Holiday" || got.Visibility != models.VisibilityUnlisted {
			t.Fatalf("unexpected record %+v", got)
		}
		if len(got.Tags) != 2 || got.Tags[1] != "sea" {
			t.Fatalf("unexpected tags %v", got.Tags)
		}
	})

	t.Run("missing records", func(t *testing.T) {
		cat := open(t)
		ctx := context.Background()
		if _, err := cat.GetVideo(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := cat.GetChannel(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for channel, got %v", err)
		}
		if _, err := cat.UpdateVideo(ctx, "nope", MarkProcessing()); !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("lifecycle", func(t *testing.T) {
		cat := open(t)
		ctx := context.Background()
		seedVideo(t, cat, "chan-1", "vid-1")

		if _, err := cat.UpdateVideo(ctx, "vid-1", CommitReady(Media{ManifestKey: "m", ThumbnailKey: "t", DurationSeconds: 1})); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected commit from uploading to be rejected, got %v", err)
		}

		video, err := cat.UpdateVideo(ctx, "vid-1", MarkProcessing())
		if err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		if video.Status != models.StatusProcessing {
			t.Fatalf("expected processing, got %s", video.Status)
		}
		if _, err := cat.UpdateVideo(ctx, "vid-1", MarkProcessing()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected second MarkProcessing to be rejected, got %v", err)
		}

		media := Media{ManifestKey: "videos/vid-1/hls/master.m3u8", ThumbnailKey: "videos/vid-1/thumbnail.jpg", DurationSeconds: 125}
		video, err = cat.UpdateVideo(ctx, "vid-1", CommitReady(media))
		if err != nil {
			t.Fatalf("CommitReady: %v", err)
		}
		if video.Status != models.StatusReady || !video.HasMedia() || *video.DurationSeconds != 125 {
			t.Fatalf("unexpected ready record %+v", video)
		}

		again, err := cat.UpdateVideo(ctx, "vid-1", CommitReady(media))
		if err != nil {
			t.Fatalf("repeated CommitReady: %v", err)
		}
		if *again.ManifestKey != *video.ManifestKey || *again.DurationSeconds != 125 {
			t.Fatalf("repeated commit changed media: %+v", again)
		}

		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		published, err := cat.UpdateVideo(ctx, "vid-1", Publish(at))
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
		if published.Status != models.StatusPublished || published.PublishedAt == nil || !published.PublishedAt.Equal(at) {
			t.Fatalf("unexpected published record %+v", published)
		}
		if _, err := cat.UpdateVideo(ctx, "vid-1", MarkFailed("late")); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected failing a published video to be rejected, got %v", err)
		}
	})

	t.Run("failure and manual retry", func(t *testing.T) {
		cat := open(t)
		ctx := context.Background()
		seedVideo(t, cat, "chan-1", "vid-2")
		if _, err := cat.UpdateVideo(ctx, "vid-2", MarkProcessing()); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		failed, err := cat.UpdateVideo(ctx, "vid-2", MarkFailed("encoder exited 1"))
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if failed.Status != models.StatusFailed || failed.FailureReason != "encoder exited 1" {
			t.Fatalf("unexpected failed record %+v", failed)
		}
		if failed.HasMedia() {
			t.Fatalf("failed record must not carry media")
		}
		retried, err := cat.UpdateVideo(ctx, "vid-2", RetryFailed())
		if err != nil {
			t.Fatalf("RetryFailed: %v", err)
		}
		if retried.Status != models.StatusProcessing || retried.FailureReason != "" {
			t.Fatalf("unexpected retried record %+v", retried)
		}
	})

	t.Run("concurrent mark processing has one winner", func(t *testing.T) {
		cat := open(t)
		ctx := context.Background()
		seedVideo(t, cat, "chan-1", "vid-3")

		const callers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := cat.UpdateVideo(ctx, "vid-3", MarkProcessing()); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winning transition, got %d", wins)
		}
	})

	t.Run("list stale", func(t *testing.T) {
		cat := open(t)
		ctx := context.Background()
		seedVideo(t, cat, "chan-1", "vid-4")
		seedVideo(t, cat, "chan-1", "vid-5")
		if _, err := cat.UpdateVideo(ctx, "vid-4", MarkProcessing()); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}

		stale, err := cat.ListStale(ctx, models.StatusProcessing, time.Now().Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("ListStale: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != "vid-4" {
			t.Fatalf("unexpected stale set %+v", stale)
		}
		fresh, err := cat.ListStale(ctx, models.StatusProcessing, time.Now().Add(-time.Hour), 10)
		if err != nil {
			t.Fatalf("ListStale: %v", err)
		}
		if len(fresh) != 0 {
			t.Fatalf("expected no stale records before the cutoff, got %d", len(fresh))
		}
	})

	t.Run("create video requires channel", func(t *testing.T) {
		cat := open(t)
		_, err := cat.CreateVideo(context.Background(), NewVideo{ID: "v", ChannelID: "ghost", Title: "x", SourceKey: "uploads/v/original"})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown channel, got %v", err)
		}
	})
}

func seedChannel(t *testing.T, cat Catalog, id, owner string) {
	t.Helper()
	if _, err := cat.CreateChannel(context.Background(), models.Channel{ID: id, OwnerID: owner, Name: id}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
}

func seedVideo(t *testing.T, cat Catalog, channelID, videoID string) {
	t.Helper()
	seedChannel(t, cat, channelID, "owner-"+channelID)
	if _, err := cat.CreateVideo(context.Background(), NewVideo{
		ID:        videoID,
		ChannelID: channelID,
		Title:     "video " + videoID,
		SourceKey: "uploads/" + videoID + "/original",
	}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
}
