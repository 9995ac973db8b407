package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"video-platform/internal/catalog"
	"video-platform/internal/models"
	"video-platform/internal/observability/logging"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/queue"
)

type ProcessorConfig struct {
	Queue   queue.Queue
	Catalog catalog.Catalog
	Worker  *Worker
	Workers int
	// VisibilityTimeout must match the queue's; the heartbeat extends the
	// delivery by this much every third of it.
	VisibilityTimeout time.Duration
	Retry             RetryPolicy
	// SettleTimeout bounds the catalog and queue calls made after a run.
	SettleTimeout time.Duration
	// ReconcileInterval is how often stranded processing records are
	// re-enqueued; ReconcileGrace is how long a record must sit untouched
	// before it counts as stranded.
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Processor pulls deliveries from the queue with a fixed pool of goroutines
// and settles each one based on the worker's Result.
type Processor struct {
	queue             queue.Queue
	catalog           catalog.Catalog
	worker            *Worker
	workers           int
	visibility        time.Duration
	retry             RetryPolicy
	settleTimeout     time.Duration
	reconcileInterval time.Duration
	reconcileGrace    time.Duration
	logger            *slog.Logger
	metrics           *metrics.Recorder
	now               func() time.Time

	// ctx stops receiving; jobCtx is cancelled only when a shutdown deadline
	// forces running jobs to abort.
	ctx       context.Context
	cancel    context.CancelFunc
	jobCtx    context.Context
	jobCancel context.CancelFunc

	wg sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultWorkers           = 2
	defaultSettleTimeout     = 30 * time.Second
	defaultReconcileInterval = time.Minute
	defaultReconcileGrace    = 15 * time.Minute
	reconcileBatch           = 100
	receiveErrorBackoff      = time.Second
)

var errDeliveryLost = errors.New("pipeline: delivery token went stale")

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = queue.DefaultVisibilityTimeout
	}
	settleTimeout := cfg.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = defaultSettleTimeout
	}
	reconcileInterval := cfg.ReconcileInterval
	if reconcileInterval <= 0 {
		reconcileInterval = defaultReconcileInterval
	}
	reconcileGrace := cfg.ReconcileGrace
	if reconcileGrace <= 0 {
		reconcileGrace = defaultReconcileGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())
	return &Processor{
		queue:             cfg.Queue,
		catalog:           cfg.Catalog,
		worker:            cfg.Worker,
		workers:           workers,
		visibility:        visibility,
		retry:             cfg.Retry.withDefaults(),
		settleTimeout:     settleTimeout,
		reconcileInterval: reconcileInterval,
		reconcileGrace:    reconcileGrace,
		logger:            logger,
		metrics:           cfg.Metrics,
		now:               time.Now,
		ctx:               ctx,
		cancel:            cancel,
		jobCtx:            jobCtx,
		jobCancel:         jobCancel,
		inFlight:          make(map[string]struct{}),
	}
}

func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	p.wg.Add(1)
	go p.reconcileLoop()
}

// Shutdown stops receiving and waits for running jobs to settle. If ctx ends
// first the running jobs are cancelled and their deliveries handed back to
// the queue.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.jobCancel()
		return nil
	case <-ctx.Done():
		p.jobCancel()
		<-done
		return ctx.Err()
	}
}

// InFlight returns the ids of videos this process is currently working.
func (p *Processor) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		delivery, err := p.queue.Receive(p.ctx)
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Error("receive failed", "error", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}
		p.handle(delivery)
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Processor) handle(delivery queue.Delivery) {
	job := delivery.Job
	ctx := logging.ContextWithVideoID(p.jobCtx, job.VideoID)
	logger := logging.WithContext(ctx, p.logger).With("attempt", job.Attempt)

	if !p.beginWork(job.VideoID) {
		// An earlier run in this process still holds the video; this
		// delivery is left to expire and come back.
		logger.Warn("video already in flight locally")
		return
	}
	defer p.finishWork(job.VideoID)

	if delivery.Exhausted {
		logger.Warn("delivery exhausted its attempts")
		p.metrics.TranscoderJobStarted("finalize")
		p.finalize(delivery, "transcode attempts exhausted", logger)
		p.metrics.TranscoderJobFailed("finalize")
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := p.heartbeat(runCtx, delivery.Token, cancel, logger)

	p.metrics.TranscoderJobStarted("transcode")
	logger.Info("transcode started")
	result := p.worker.Run(runCtx, job)
	stopHeartbeat()

	if errors.Is(context.Cause(runCtx), errDeliveryLost) {
		logger.Warn("delivery lost mid-run; leaving the job to its new owner", "stage", result.Stage)
		p.metrics.TranscoderJobFailed("transcode")
		p.metrics.ObserveOutcome(result.Outcome.String(), "abandon")
		return
	}
	p.settle(delivery, result, logger)
}

// heartbeat extends the delivery every visibility/3 until the returned stop
// function is called. A stale token cancels the run.
func (p *Processor) heartbeat(ctx context.Context, token string, cancel context.CancelCauseFunc, logger *slog.Logger) func() {
	interval := p.visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.Extend(ctx, token, p.visibility)
				if errors.Is(err, queue.ErrStaleToken) {
					cancel(errDeliveryLost)
					return
				}
				if err != nil && ctx.Err() == nil {
					logger.Warn("failed to extend delivery", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// settle is the only place that reports a run's outcome to the queue.
func (p *Processor) settle(delivery queue.Delivery, result Result, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.settleTimeout)
	defer cancel()
	job := delivery.Job

	switch result.Outcome {
	case Success:
		p.ack(ctx, delivery, logger)
		p.metrics.TranscoderJobCompleted("transcode")
		p.metrics.ObserveOutcome(result.Outcome.String(), "ack")
		if result.Skipped {
			logger.Info("delivery settled without work", "stage", result.Stage)
		}
		return
	case Retryable:
		p.metrics.TranscoderJobFailed("transcode")
		if p.jobCtx.Err() != nil {
			// Aborted by shutdown rather than by a fault.
			p.requeue(ctx, delivery, 0, logger)
			p.metrics.ObserveOutcome(result.Outcome.String(), "requeue")
			return
		}
		if !job.LastAttempt() {
			delay := p.retry.Delay(job.Attempt)
			logger.Warn("transcode failed; retrying", "stage", result.Stage, "error", result.Err, "retry_in", delay)
			p.requeue(ctx, delivery, delay, logger)
			p.metrics.ObserveOutcome(result.Outcome.String(), "retry")
			return
		}
		logger.Error("transcode failed on final attempt", "stage", result.Stage, "error", result.Err)
	case Fatal:
		p.metrics.TranscoderJobFailed("transcode")
		logger.Error("transcode failed permanently", "stage", result.Stage, "error", result.Err)
	}
	p.finalize(delivery, result.Reason(), logger)
	p.metrics.ObserveOutcome(result.Outcome.String(), "fail")
}

// finalize records the terminal failure and acks. When the failure cannot
// be written the job goes back to the queue so the write is attempted again.
func (p *Processor) finalize(delivery queue.Delivery, reason string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.settleTimeout)
	defer cancel()

	_, err := p.catalog.UpdateVideo(ctx, delivery.Job.VideoID, catalog.MarkFailed(reason))
	switch {
	case err == nil:
		logger.Info("video marked failed", "reason", reason)
	case errors.Is(err, catalog.ErrInvalidTransition), errors.Is(err, catalog.ErrConflict):
		// Already terminal, or gone.
		logger.Info("video not marked failed", "reason", reason, "error", err)
	default:
		logger.Error("failed to mark video failed; requeueing", "error", err)
		p.requeue(ctx, delivery, p.retry.Delay(delivery.Job.Attempt), logger)
		return
	}
	p.ack(ctx, delivery, logger)
}

func (p *Processor) ack(ctx context.Context, delivery queue.Delivery, logger *slog.Logger) {
	if err := p.queue.Ack(ctx, delivery.Token); err != nil {
		logger.Warn("ack failed", "error", err)
	}
}

func (p *Processor) requeue(ctx context.Context, delivery queue.Delivery, delay time.Duration, logger *slog.Logger) {
	if err := p.queue.Retry(ctx, delivery.Token, delay); err != nil {
		logger.Warn("requeue failed; delivery will expire", "error", err)
	}
}

func (p *Processor) reconcileLoop() {
	defer p.wg.Done()
	p.Reconcile(p.ctx)
	ticker := time.NewTicker(p.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Reconcile(p.ctx)
		}
	}
}

// Reconcile re-enqueues processing records that have not been touched for
// the grace period, which covers a dispatcher that moved a record to
// processing but failed to enqueue. The queue's per-video dedup makes this a
// no-op for records that still have a job. It returns how many jobs were
// added.
func (p *Processor) Reconcile(ctx context.Context) int {
	if depth, err := p.queue.Depth(ctx); err == nil {
		p.metrics.SetQueueDepth(depth.Pending, depth.InFlight)
	}
	stale, err := p.catalog.ListStale(ctx, models.StatusProcessing, p.now().Add(-p.reconcileGrace), reconcileBatch)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("reconcile: list stale videos", "error", err)
		}
		return 0
	}
	added := 0
	for _, video := range stale {
		ok, err := p.queue.Enqueue(ctx, video.ID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("reconcile: enqueue failed", "video_id", video.ID, "error", err)
			continue
		}
		if ok {
			added++
			p.logger.Info("reconcile: requeued stranded video", "video_id", video.ID, "updated_at", video.UpdatedAt)
		}
	}
	p.metrics.ObserveReconciled(added)
	return added
}
