package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"video-platform/internal/catalog"
	"video-platform/internal/models"
	"video-platform/internal/objectstore"
	"video-platform/internal/observability/metrics"
	"video-platform/internal/queue"
	"video-platform/internal/uploads"
)

var testSecret = []byte("test-secret")

type stubLimiter struct {
	allowed    bool
	retryAfter time.Duration
	err        error
	keys       []string
}

func (l *stubLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	l.keys = append(l.keys, key)
	return l.allowed, l.retryAfter, l.err
}

type testEnv struct {
	router  http.Handler
	auth    *Authenticator
	catalog *catalog.Memory
	queue   *queue.Memory
	limiter *stubLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		auth:    NewAuthenticator(AuthConfig{Secret: testSecret, Issuer: "video-platform"}),
		catalog: catalog.NewMemory(),
		queue:   queue.NewMemory(queue.Config{}),
		limiter: &stubLimiter{allowed: true},
	}
	if _, err := env.catalog.CreateChannel(context.Background(), models.Channel{ID: "chan-1", OwnerID: "user-1", Name: "Channel"}); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	service := uploads.NewService(uploads.Config{
		Catalog: env.catalog,
		Store:   objectstore.NewMemory("media"),
		Queue:   env.queue,
		Logger:  logger,
	})
	env.router = NewRouter(Config{
		Videos:  service,
		Auth:    env.auth,
		Limiter: env.limiter,
		Metrics: metrics.New(),
		Logger:  logger,
		Health: []HealthCheck{
			{Component: "catalog", Check: env.catalog.Ping},
		},
	})
	return env
}

func (env *testEnv) token(t *testing.T, subject string) string {
	t.Helper()
	token, err := env.auth.IssueToken(subject, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func (env *testEnv) do(t *testing.T, method, path, subject, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+env.token(t, subject))
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (env *testEnv) initUpload(t *testing.T, body string) uploads.InitResponse {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/videos/uploads", "user-1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("init status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeBody[uploads.InitResponse](t, rec)
}

func TestInitUploadReturnsPresignedTarget(t *testing.T) {
	env := newTestEnv(t)
	resp := env.initUpload(t, `{"channelId":"chan-1","title":"Hello","contentType":"video/mp4"}`)

	if resp.VideoID == "" || resp.Method != http.MethodPut || resp.ExpiresIn != 3600 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if env.limiter.keys[0] != "user-1" {
		t.Fatalf("expected limiter keyed by requester, got %v", env.limiter.keys)
	}
	video, err := env.catalog.GetVideo(context.Background(), resp.VideoID)
	if err != nil || video.Status != models.StatusUploading {
		t.Fatalf("expected uploading record, got %+v %v", video, err)
	}
}

func TestInitUploadErrors(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name    string
		subject string
		body    string
		want    int
	}{
		{"anonymous", "", `{"channelId":"chan-1","title":"x"}`, http.StatusUnauthorized},
		{"not owner", "user-2", `{"channelId":"chan-1","title":"x"}`, http.StatusForbidden},
		{"unknown channel", "user-1", `{"channelId":"nope","title":"x"}`, http.StatusForbidden},
		{"empty title", "user-1", `{"channelId":"chan-1","title":" "}`, http.StatusBadRequest},
		{"unknown field", "user-1", `{"channelId":"chan-1","title":"x","extra":1}`, http.StatusBadRequest},
		{"malformed", "user-1", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := env.do(t, http.MethodPost, "/api/videos/uploads", tc.subject, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d (%s)", tc.name, rec.Code, tc.want, rec.Body.String())
		}
		if decodeBody[errorResponse](t, rec).Error == "" {
			t.Fatalf("%s: expected error message", tc.name)
		}
	}
}

func TestInitUploadRateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.limiter.allowed = false
	env.limiter.retryAfter = 1500 * time.Millisecond

	rec := env.do(t, http.MethodPost, "/api/videos/uploads", "user-1", `{"channelId":"chan-1","title":"x"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}

	env.limiter.err = errors.New("redis down")
	rec = env.do(t, http.MethodPost, "/api/videos/uploads", "user-1", `{"channelId":"chan-1","title":"x"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestCompleteUploadFlow(t *testing.T) {
	env := newTestEnv(t)
	resp := env.initUpload(t, `{"channelId":"chan-1","title":"Hello"}`)
	path := "/api/videos/" + resp.VideoID + "/complete"

	if rec := env.do(t, http.MethodPost, path, "user-2", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner status = %d, want 403", rec.Code)
	}

	rec := env.do(t, http.MethodPost, path, "user-1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", rec.Code, rec.Body.String())
	}
	first := decodeBody[uploads.CompleteResult](t, rec)
	if !first.Enqueued || first.Status != models.StatusProcessing {
		t.Fatalf("unexpected result %+v", first)
	}

	rec = env.do(t, http.MethodPost, path, "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat status = %d, want 200", rec.Code)
	}
	if decodeBody[uploads.CompleteResult](t, rec).Enqueued {
		t.Fatalf("repeat completion must not enqueue")
	}
	if depth, _ := env.queue.Depth(context.Background()); depth.Pending != 1 {
		t.Fatalf("expected one job, got %d", depth.Pending)
	}

	if rec := env.do(t, http.MethodPost, "/api/videos/ghost/complete", "user-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing video status = %d, want 404", rec.Code)
	}
}

func TestPublishAndGetVideo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initUpload(t, `{"channelId":"chan-1","title":"Hello"}`)
	path := "/api/videos/" + resp.VideoID

	if rec := env.do(t, http.MethodGet, path, "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unfinished video status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, path+"/publish", "user-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("publish before ready status = %d, want 409", rec.Code)
	}

	if _, err := env.catalog.UpdateVideo(ctx, resp.VideoID, catalog.MarkProcessing()); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	media := catalog.Media{
		ManifestKey:     objectstore.MasterManifestKey(resp.VideoID),
		ThumbnailKey:    objectstore.ThumbnailKey(resp.VideoID),
		DurationSeconds: 12,
	}
	if _, err := env.catalog.UpdateVideo(ctx, resp.VideoID, catalog.CommitReady(media)); err != nil {
		t.Fatalf("CommitReady: %v", err)
	}

	rec := env.do(t, http.MethodPost, path+"/publish", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d (%s)", rec.Code, rec.Body.String())
	}
	if view := decodeBody[uploads.VideoView](t, rec); view.Status != models.StatusPublished || view.PublishedAt == nil {
		t.Fatalf("unexpected published view %+v", view)
	}

	rec = env.do(t, http.MethodGet, path, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	view := decodeBody[uploads.VideoView](t, rec)
	if !strings.HasSuffix(view.ManifestURL, "/hls/master.m3u8") || !strings.HasSuffix(view.ThumbnailURL, "/thumbnail.jpg") {
		t.Fatalf("unexpected urls %+v", view)
	}
}

func TestGetVideoRejectsInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/videos/whatever", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRetryRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resp := env.initUpload(t, `{"channelId":"chan-1","title":"Hello"}`)
	if _, err := env.catalog.UpdateVideo(ctx, resp.VideoID, catalog.MarkFailed("upload abandoned")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/videos/"+resp.VideoID+"/retry", "user-1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if _, ok := env.queue.Job(resp.VideoID); !ok {
		t.Fatalf("expected retried video to be queued")
	}
	if rec := env.do(t, http.MethodPost, "/api/videos/"+resp.VideoID+"/retry", "user-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second retry status = %d, want 409", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	if body := decodeBody[healthResponse](t, rec); body.Status != "ok" || len(body.Components) != 1 {
		t.Fatalf("unexpected health %+v", body)
	}

	rec = env.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", rec.Code)
	}
}

func TestHealthReportsDegradedComponent(t *testing.T) {
	h := &Handler{health: []HealthCheck{
		{Component: "queue", Check: func(context.Context) error { return errors.New("unreachable") }},
	}}
	components, status, code := h.componentHealth(context.Background())
	if status != "degraded" || code != http.StatusServiceUnavailable || components[0].Error != "unreachable" {
		t.Fatalf("unexpected health %v %s %d", components, status, code)
	}
}

func TestOpsRouterServesOnlyHealthAndMetrics(t *testing.T) {
	router := NewOpsRouter([]HealthCheck{
		{Component: "catalog", Check: func(context.Context) error { return errors.New("down") }},
	}, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/videos/uploads", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ops router must not serve the API, got %d", rec.Code)
	}
}
