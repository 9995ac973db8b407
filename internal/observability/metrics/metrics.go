package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "video_platform"

// Recorder owns a private Prometheus registry with the HTTP, queue and
// transcode collectors used by both binaries. Every method is safe for
// concurrent use and a nil *Recorder silently drops observations.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	transcoderEvents *prometheus.CounterVec
	activeTranscoder prometheus.Gauge
	activeCount      atomic.Int64
	stageDuration    *prometheus.HistogramVec
	outcomes         *prometheus.CounterVec

	queueDepth *prometheus.GaugeVec
	enqueues   *prometheus.CounterVec
	uploads    *prometheus.CounterVec
	reconciled prometheus.Counter
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with its collectors registered on a fresh
// registry alongside the Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed by the API.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		transcoderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcoder_jobs_total",
			Help:      "Transcoder job events by kind and status.",
		}, []string{"kind", "status"}),
		activeTranscoder: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcoder_active_jobs",
			Help:      "Current number of transcode jobs being worked.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_stage_duration_seconds",
			Help:      "Time spent in each worker stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 10),
		}, []string{"stage"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcode_outcomes_total",
			Help:      "Settled transcode deliveries by outcome and action taken.",
		}, []string{"outcome", "action"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Transcode jobs in the queue by state.",
		}, []string{"state"}),
		enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueues_total",
			Help:      "Enqueue calls by result (added, duplicate, error).",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_events_total",
			Help:      "Upload coordinator events by type.",
		}, []string{"event"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciler_requeued_total",
			Help:      "Stranded processing videos handed back to the queue.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.transcoderEvents,
		r.activeTranscoder,
		r.stageDuration,
		r.outcomes,
		r.queueDepth,
		r.enqueues,
		r.uploads,
		r.reconciled,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Intended for tests.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry so tests can gather from it.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveRequest records request count and latency by method, normalized
// path and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// TranscoderJobStarted records the beginning of a job of the given kind
// ("transcode", "finalize") and raises the active gauge.
func (r *Recorder) TranscoderJobStarted(kind string) {
	if r == nil {
		return
	}
	r.transcoderEvents.WithLabelValues(normalizeName(kind), "start").Inc()
	r.activeTranscoder.Set(float64(r.activeCount.Add(1)))
}

// TranscoderJobCompleted records a successful job and lowers the active gauge.
func (r *Recorder) TranscoderJobCompleted(kind string) {
	if r == nil {
		return
	}
	r.transcoderEvents.WithLabelValues(normalizeName(kind), "complete").Inc()
	r.decrementActive()
}

// TranscoderJobFailed records a job that ended in a retry or a terminal
// failure and lowers the active gauge without letting it go negative.
func (r *Recorder) TranscoderJobFailed(kind string) {
	if r == nil {
		return
	}
	r.transcoderEvents.WithLabelValues(normalizeName(kind), "fail").Inc()
	r.decrementActive()
}

// ActiveTranscoderJobs exposes the current number of active jobs.
func (r *Recorder) ActiveTranscoderJobs() int64 {
	if r == nil {
		return 0
	}
	return r.activeCount.Load()
}

// ObserveStage records how long a worker stage took.
func (r *Recorder) ObserveStage(stage string, duration time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(normalizeName(stage)).Observe(duration.Seconds())
}

// ObserveOutcome counts a settled delivery, e.g. ("retryable", "retry").
func (r *Recorder) ObserveOutcome(outcome, action string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(normalizeName(outcome), normalizeName(action)).Inc()
}

// ObserveEnqueue counts an enqueue attempt by its result.
func (r *Recorder) ObserveEnqueue(result string) {
	if r == nil {
		return
	}
	r.enqueues.WithLabelValues(normalizeName(result)).Inc()
}

// ObserveUpload counts upload coordinator events ("initiated", "completed",
// "published", "retried").
func (r *Recorder) ObserveUpload(event string) {
	if r == nil {
		return
	}
	r.uploads.WithLabelValues(normalizeName(event)).Inc()
}

// ObserveReconciled counts videos the reconciler handed back to the queue.
func (r *Recorder) ObserveReconciled(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.reconciled.Add(float64(n))
}

// SetQueueDepth publishes the pending and in-flight job counts.
func (r *Recorder) SetQueueDepth(pending, inFlight int64) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues("pending").Set(float64(pending))
	r.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) decrementActive() {
	for {
		current := r.activeCount.Load()
		if current <= 0 {
			r.activeTranscoder.Set(0)
			return
		}
		if r.activeCount.CompareAndSwap(current, current-1) {
			r.activeTranscoder.Set(float64(current - 1))
			return
		}
	}
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier treats long or digit-heavy segments as ids so UUID
// paths collapse into one series.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
