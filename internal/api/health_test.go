package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/memory"
	"github.com/seantiz/blockio/internal/store"
)

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if len(body.Backends) != 1 || body.Backends[0] != "memory" {
		t.Errorf("backends = %v, want [memory]", body.Backends)
	}
	if body.RunningJobs != 0 {
		t.Errorf("running_jobs = %d, want 0", body.RunningJobs)
	}
}

func TestHealthzDegradedWithoutDatabase(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	reg := backend.NewRegistry()
	reg.Register("memory", memory.New("rbd"))
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv := NewServer(":0", s, reg, nil, logger)
	s.Close()

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "degraded" || body.Error == "" {
		t.Errorf("body = %+v, want degraded with an error", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	if !strings.Contains(body, "blockio_http_requests_total") {
		t.Error("metrics output missing blockio_http_requests_total")
	}
	if !strings.Contains(body, `blockio_http_requests_total{group="ops",method="GET",path="/healthz",status="200"}`) {
		t.Error("healthz request not counted under the ops group")
	}
	for _, name := range []string{
		"blockio_http_event_streams",
		"blockio_http_request_duration_seconds",
		"blockio_engine_queue_depth",
		"blockio_jobs_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestRouteGroup(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"/v1/jobs/", "jobs"},
		{"/v1/jobs/{id}/events", "jobs"},
		{"/v1/backends", "backends"},
		{"/v1/stats", "stats"},
		{"/healthz", "ops"},
		{"/metrics", "ops"},
		{unmatched, unmatched},
	}
	for _, tt := range tests {
		if got := routeGroup(tt.pattern); got != tt.want {
			t.Errorf("routeGroup(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
