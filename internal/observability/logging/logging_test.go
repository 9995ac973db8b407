package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", data, err)
	}
	return payload
}

func TestNewAttachesService(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf, Service: "transcoder"}).Info("hello")

	payload := decodeLine(t, buf.Bytes())
	if payload["service"] != "transcoder" {
		t.Fatalf("expected service attribute, got %v", payload["service"])
	}
	if payload["msg"] != "hello" {
		t.Fatalf("expected JSON output by default, got %v", payload)
	}
}

func TestNewHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn record, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "unknown", input: "verbose", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseLevel(tc.input).Level(); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WithComponent(logger, "transcode-worker").Info("component set")

	if payload := decodeLine(t, buf.Bytes()); payload["component"] != "transcode-worker" {
		t.Fatalf("expected component attribute, got %v", payload["component"])
	}
	if WithComponent(nil, "anything") != nil {
		t.Fatalf("expected nil logger to stay nil")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithVideoID(ctx, " vid-1 ")

	if id, ok := VideoIDFromContext(ctx); !ok || id != "vid-1" {
		t.Fatalf("expected trimmed video id, got %q", id)
	}
	if _, ok := VideoIDFromContext(ContextWithVideoID(context.Background(), "  ")); ok {
		t.Fatalf("blank video id must not be stored")
	}

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	payload := decodeLine(t, buf.Bytes())
	if payload["request_id"] != "req-1" || payload["video_id"] != "vid-1" {
		t.Fatalf("expected request and video ids, got %v", payload)
	}
}

func TestContextWithLogger(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatalf("expected logger round trip through context")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatalf("expected nil logger on bare context")
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatalf("expected Init to replace the default logger")
	}
	slog.Info("hello world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected text output to include message, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	cases := []struct {
		status int
		level  string
	}{
		{http.StatusAccepted, "INFO"},
		{http.StatusForbidden, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

		req := httptest.NewRequest(http.MethodPost, "/api/videos/uploads", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})).ServeHTTP(httptest.NewRecorder(), req)

		payload := decodeLine(t, buf.Bytes())
		if payload["status"] != float64(tc.status) || payload["level"] != tc.level {
			t.Fatalf("status %d: unexpected entry %v", tc.status, payload)
		}
		if payload["remote_addr"] != "127.0.0.1:1234" || payload["path"] != "/api/videos/uploads" {
			t.Fatalf("expected request fields, got %v", payload)
		}
	}
}

func TestRequestLoggerSkipsHealthChecks(t *testing.T) {
	var buf bytes.Buffer
	middleware := RequestLogger(RequestLoggerConfig{Logger: slog.New(slog.NewJSONHandler(&buf, nil))})
	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected health checks to be skipped, got %q", buf.String())
	}
}
