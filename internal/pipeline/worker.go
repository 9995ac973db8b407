package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"video-platform/internal/catalog"
	"video-platform/internal/models"
	"video-platform/internal/objectstore"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/queue"
	"video-platform/internal/transcode"
)

// Encoder is the part of transcode.Encoder the worker drives.
type Encoder interface {
	Probe(ctx context.Context, input string) (transcode.ProbeResult, error)
	Encode(ctx context.Context, input, outDir string, probe transcode.ProbeResult) (transcode.Output, error)
	Thumbnail(ctx context.Context, input, dst string, durationSeconds float64) error
}

type WorkerConfig struct {
	Catalog catalog.Catalog
	Store   objectstore.Client
	Encoder Encoder
	// ScratchDir is the parent of per-job scratch directories. Empty means
	// the system temp dir.
	ScratchDir        string
	UploadConcurrency int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Worker executes the transcode state machine for a single job. It holds no
// per-job state, so one Worker serves every goroutine of a Processor.
type Worker struct {
	catalog           catalog.Catalog
	store             objectstore.Client
	encoder           Encoder
	scratchDir        string
	uploadConcurrency int
	logger            *slog.Logger
	metrics           *metrics.Recorder
}

const defaultUploadConcurrency = 8

func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}
	return &Worker{
		catalog:           cfg.Catalog,
		store:             cfg.Store,
		encoder:           cfg.Encoder,
		scratchDir:        cfg.ScratchDir,
		uploadConcurrency: concurrency,
		logger:            logger,
		metrics:           cfg.Metrics,
	}
}

// Run takes job through fetching, probing, encoding, uploading and
// committing. Scratch space is removed before Run returns on every path.
func (w *Worker) Run(ctx context.Context, job queue.Job) Result {
	logger := logging.WithContext(ctx, w.logger).With("attempt", job.Attempt)

	stageStart := time.Now()
	video, err := w.catalog.GetVideo(ctx, job.VideoID)
	if err != nil {
		return classify(StageFetching, fmt.Errorf("load video: %w", err))
	}
	if video.Status != models.StatusProcessing {
		logger.Info("skipping stale delivery", "status", video.Status)
		return Result{Outcome: Success, Stage: StageFetching, Skipped: true}
	}

	scratch, err := os.MkdirTemp(w.scratchDir, "transcode-"+job.VideoID+"-")
	if err != nil {
		return retryable(StageFetching, fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove scratch dir", "path", scratch, "error", err)
		}
	}()

	source := filepath.Join(scratch, "source")
	if err := w.store.Download(ctx, video.SourceKey, source); err != nil {
		return classify(StageFetching, fmt.Errorf("download source %s: %w", video.SourceKey, err))
	}
	w.observe(StageFetching, stageStart)

	stageStart = time.Now()
	probe, err := w.encoder.Probe(ctx, source)
	if err != nil {
		if ctx.Err() != nil {
			return retryable(StageProbing, err)
		}
		// An unreadable report means an unknown duration, stored as 0. The
		// encoder works out the audio layout on its own.
		logger.Warn("probe failed; continuing with unknown duration", "error", err)
		probe = transcode.ProbeResult{}
	}
	duration := transcode.WholeSeconds(probe.DurationSeconds)
	w.observe(StageProbing, stageStart)
	logger.Debug("probed source", "duration_seconds", probe.DurationSeconds, "has_audio", probe.HasAudio)

	stageStart = time.Now()
	outDir := filepath.Join(scratch, "hls")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return retryable(StageEncoding, fmt.Errorf("create output dir: %w", err))
	}
	output, err := w.encoder.Encode(ctx, source, outDir, probe)
	if err != nil {
		return retryable(StageEncoding, err)
	}
	thumbnail := filepath.Join(scratch, "thumbnail.jpg")
	if err := w.encoder.Thumbnail(ctx, source, thumbnail, probe.DurationSeconds); err != nil {
		return retryable(StageEncoding, err)
	}
	w.observe(StageEncoding, stageStart)

	stageStart = time.Now()
	if err := w.publish(ctx, video.ID, output, thumbnail); err != nil {
		return retryable(StageUploading, err)
	}
	w.observe(StageUploading, stageStart)

	stageStart = time.Now()
	media := catalog.Media{
		ManifestKey:     objectstore.MasterManifestKey(video.ID),
		ThumbnailKey:    objectstore.ThumbnailKey(video.ID),
		DurationSeconds: duration,
	}
	if result, done := w.commit(ctx, video.ID, media); done {
		return result
	}
	w.observe(StageCommitting, stageStart)

	logger.Info("video ready", "duration_seconds", duration, "artifacts", len(output.Artifacts))
	return succeeded(media)
}

// commit writes the media fields and status ready together. It reports
// done=true with a non-success result when the write did not land.
func (w *Worker) commit(ctx context.Context, videoID string, media catalog.Media) (Result, bool) {
	_, err := w.catalog.UpdateVideo(ctx, videoID, catalog.CommitReady(media))
	switch {
	case err == nil:
		return Result{}, false
	case errors.Is(err, catalog.ErrInvalidTransition):
		current, getErr := w.catalog.GetVideo(ctx, videoID)
		if getErr != nil {
			return retryable(StageCommitting, fmt.Errorf("commit: %w", getErr)), true
		}
		if current.Status == models.StatusPublished {
			return Result{Outcome: Success, Stage: StageCommitting, Skipped: true}, true
		}
		return fatal(StageCommitting, fmt.Errorf("commit over %s record: %w", current.Status, err)), true
	default:
		// A deleted record reports ErrConflict; like any other commit
		// failure it is retried until the attempt cap.
		return retryable(StageCommitting, fmt.Errorf("commit: %w", err)), true
	}
}

// publish uploads segments and sub-manifests, then the thumbnail, then the
// master manifest, and finally deletes keys under the video's HLS prefix
// that this run did not write.
func (w *Worker) publish(ctx context.Context, videoID string, output transcode.Output, thumbnail string) error {
	prefix := objectstore.HLSPrefix(videoID)
	produced := make(map[string]struct{}, len(output.Artifacts))

	var master *transcode.Artifact
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.uploadConcurrency)
	for i := range output.Artifacts {
		artifact := output.Artifacts[i]
		key := prefix + artifact.Name
		produced[key] = struct{}{}
		if artifact.Name == output.MasterName {
			master = &output.Artifacts[i]
			continue
		}
		g.Go(func() error {
			if err := w.store.Upload(gctx, key, artifact.Path, objectstore.ContentTypeFor(artifact.Name)); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if master == nil {
		return errors.New("encoder output has no master manifest")
	}

	thumbKey := objectstore.ThumbnailKey(videoID)
	if err := w.store.Upload(ctx, thumbKey, thumbnail, objectstore.ContentTypeJPEG); err != nil {
		return fmt.Errorf("upload %s: %w", thumbKey, err)
	}
	masterKey := prefix + master.Name
	if err := w.store.Upload(ctx, masterKey, master.Path, objectstore.ContentTypeManifest); err != nil {
		return fmt.Errorf("upload %s: %w", masterKey, err)
	}

	existing, err := w.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, key := range existing {
		if _, ok := produced[key]; ok {
			continue
		}
		if err := w.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete stale %s: %w", key, err)
		}
	}
	return nil
}

func (w *Worker) observe(stage Stage, started time.Time) {
	w.metrics.ObserveStage(string(stage), time.Since(started))
}
