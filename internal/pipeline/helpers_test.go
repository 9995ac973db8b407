package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"video-platform/internal/catalog"
	"video-platform/internal/models"
	"video-platform/internal/objectstore"
	"video-platform/internal/queue"
	"video-platform/internal/transcode"
)

var errUnavailable = errors.New("backend temporarily unavailable")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEncoder struct {
	mu        sync.Mutex
	probe     transcode.ProbeResult
	probeErr  error
	encodeErr error
	segments  int
	block     bool
	probes    int
	encodes   int
	thumbs    int
	lastProbe transcode.ProbeResult
}

func (f *fakeEncoder) Probe(ctx context.Context, input string) (transcode.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if _, err := os.Stat(input); err != nil {
		return transcode.ProbeResult{}, err
	}
	if f.probeErr != nil {
		return transcode.ProbeResult{}, f.probeErr
	}
	return f.probe, nil
}

func (f *fakeEncoder) Encode(ctx context.Context, input, outDir string, probe transcode.ProbeResult) (transcode.Output, error) {
	f.mu.Lock()
	f.encodes++
	f.lastProbe = probe
	block, encodeErr, segments := f.block, f.encodeErr, f.segments
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return transcode.Output{}, &transcode.EncodeError{Step: "encode", Err: ctx.Err()}
	}
	if encodeErr != nil {
		return transcode.Output{}, encodeErr
	}
	if segments <= 0 {
		segments = 2
	}
	out := transcode.Output{Dir: outDir, MasterName: transcode.MasterManifestName}
	write := func(name, body string) error {
		path := filepath.Join(outDir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return err
		}
		out.Artifacts = append(out.Artifacts, transcode.Artifact{Path: path, Name: name})
		return nil
	}
	if err := write(transcode.MasterManifestName, "#EXTM3U\n"); err != nil {
		return transcode.Output{}, err
	}
	for i := 0; i < 3; i++ {
		if err := write(fmt.Sprintf("stream_%d.m3u8", i), "#EXTM3U\n"); err != nil {
			return transcode.Output{}, err
		}
		for seq := 0; seq < segments; seq++ {
			if err := write(fmt.Sprintf("segment_%d_%03d.ts", i, seq), "ts"); err != nil {
				return transcode.Output{}, err
			}
		}
	}
	return out, nil
}

func (f *fakeEncoder) Thumbnail(ctx context.Context, input, dst string, durationSeconds float64) error {
	f.mu.Lock()
	f.thumbs++
	f.mu.Unlock()
	return os.WriteFile(dst, []byte("jpeg"), 0o644)
}

func (f *fakeEncoder) counts() (probes, encodes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.encodes
}

func (f *fakeEncoder) setEncodeErr(err error) {
	f.mu.Lock()
	f.encodeErr = err
	f.mu.Unlock()
}

// flakyCatalog fails the named update commands a set number of times and
// records every update it sees.
type flakyCatalog struct {
	*catalog.Memory

	mu       sync.Mutex
	fail     map[string]int
	updates  []string
	statuses map[string][]models.VideoStatus
}

func newFlakyCatalog() *flakyCatalog {
	return &flakyCatalog{
		Memory:   catalog.NewMemory(),
		fail:     make(map[string]int),
		statuses: make(map[string][]models.VideoStatus),
	}
}

func (c *flakyCatalog) CreateVideo(ctx context.Context, params catalog.NewVideo) (models.Video, error) {
	video, err := c.Memory.CreateVideo(ctx, params)
	if err == nil {
		c.record(video)
	}
	return video, err
}

func (c *flakyCatalog) failNext(update string, times int) {
	c.mu.Lock()
	c.fail[update] = times
	c.mu.Unlock()
}

func (c *flakyCatalog) UpdateVideo(ctx context.Context, id string, update catalog.VideoUpdate) (models.Video, error) {
	c.mu.Lock()
	c.updates = append(c.updates, update.Name())
	if n := c.fail[update.Name()]; n > 0 {
		c.fail[update.Name()] = n - 1
		c.mu.Unlock()
		return models.Video{}, errUnavailable
	}
	c.mu.Unlock()
	video, err := c.Memory.UpdateVideo(ctx, id, update)
	if err == nil {
		c.record(video)
	}
	return video, err
}

func (c *flakyCatalog) record(video models.Video) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[video.ID] = append(c.statuses[video.ID], video.Status)
}

// statusHistory lists every status a video was written with, in order.
func (c *flakyCatalog) statusHistory(id string) []models.VideoStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.VideoStatus(nil), c.statuses[id]...)
}

func (c *flakyCatalog) updateNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updates...)
}

// countingQueue wraps a queue and counts how deliveries were settled.
type countingQueue struct {
	queue.Queue

	mu        sync.Mutex
	receives  int
	acks      int
	retries   int
	extendErr error
}

func (q *countingQueue) Receive(ctx context.Context) (queue.Delivery, error) {
	delivery, err := q.Queue.Receive(ctx)
	if err == nil {
		q.mu.Lock()
		q.receives++
		q.mu.Unlock()
	}
	return delivery, err
}

func (q *countingQueue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	q.acks++
	q.mu.Unlock()
	return q.Queue.Ack(ctx, token)
}

func (q *countingQueue) Retry(ctx context.Context, token string, delay time.Duration) error {
	q.mu.Lock()
	q.retries++
	q.mu.Unlock()
	return q.Queue.Retry(ctx, token, delay)
}

func (q *countingQueue) Extend(ctx context.Context, token string, visibility time.Duration) error {
	q.mu.Lock()
	err := q.extendErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.Queue.Extend(ctx, token, visibility)
}

func (q *countingQueue) stats() (receives, acks, retries int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.receives, q.acks, q.retries
}

type harness struct {
	catalog *flakyCatalog
	store   *objectstore.Memory
	encoder *fakeEncoder
	queue   *countingQueue
	memory  *queue.Memory
	scratch string
	worker  *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := queue.NewMemory(queue.Config{
		MaxAttempts:       3,
		VisibilityTimeout: time.Minute,
		PollInterval:      5 * time.Millisecond,
	})
	h := &harness{
		catalog: newFlakyCatalog(),
		store:   objectstore.NewMemory("media"),
		encoder: &fakeEncoder{probe: transcode.ProbeResult{DurationSeconds: 125.7, HasAudio: true}},
		memory:  mem,
		queue:   &countingQueue{Queue: mem},
		scratch: t.TempDir(),
	}
	h.worker = NewWorker(WorkerConfig{
		Catalog:    h.catalog,
		Store:      h.store,
		Encoder:    h.encoder,
		ScratchDir: h.scratch,
		Logger:     discardLogger(),
	})
	if _, err := h.catalog.CreateChannel(context.Background(), models.Channel{ID: "chan-1", OwnerID: "user-1", Name: "Channel"}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return h
}

// seedProcessing creates a video that has been uploaded and dispatched.
func (h *harness) seedProcessing(t *testing.T, id string, withSource bool) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.catalog.CreateVideo(ctx, catalog.NewVideo{
		ID:         id,
		ChannelID:  "chan-1",
		Title:      "Video " + id,
		Visibility: models.VisibilityPublic,
		SourceKey:  objectstore.SourceKey(id),
	}); err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if _, err := h.catalog.Memory.UpdateVideo(ctx, id, catalog.MarkProcessing()); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if withSource {
		h.store.Put(objectstore.SourceKey(id), []byte("source bytes"), "video/mp4")
	}
}

func (h *harness) processor(retry RetryPolicy) *Processor {
	return NewProcessor(ProcessorConfig{
		Queue:             h.queue,
		Catalog:           h.catalog,
		Worker:            h.worker,
		Workers:           2,
		VisibilityTimeout: time.Minute,
		Retry:             retry,
		ReconcileInterval: time.Hour,
		Logger:            discardLogger(),
	})
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond}
}

func (h *harness) video(t *testing.T, id string) models.Video {
	t.Helper()
	video, err := h.catalog.GetVideo(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	return video
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func startProcessor(t *testing.T, p *Processor) {
	t.Helper()
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
}

func scratchEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}
