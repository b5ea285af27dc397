package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/blockio/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.BytesHuman != "0 B" {
		t.Errorf("bytes_human = %q, want %q", stats.BytesHuman, "0 B")
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	// Three completed copies of 1 MiB each.
	for range 3 {
		j := &model.Job{
			ID: model.NewID(), Kind: model.KindCopy, Status: model.StatusPending,
			Source: "memory://rbd/a", Target: "memory://rbd/b", ChunkSize: testChunkSize,
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if err := srv.store.UpdateJobGeometry(ctx, j.ID, 1<<20, 256); err != nil {
			t.Fatalf("UpdateJobGeometry: %v", err)
		}
		if err := srv.store.UpdateJobStatus(ctx, j.ID, model.StatusRunning, ""); err != nil {
			t.Fatalf("pending→running: %v", err)
		}
		if err := srv.store.UpdateJobStatus(ctx, j.ID, model.StatusCompleted, ""); err != nil {
			t.Fatalf("running→completed: %v", err)
		}
	}

	// One failed checksum.
	fj := &model.Job{
		ID: model.NewID(), Kind: model.KindChecksum, Status: model.StatusPending,
		Source: "memory://rbd/a", ChunkSize: testChunkSize, CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateJob(ctx, fj); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := srv.store.UpdateJobStatus(ctx, fj.ID, model.StatusFailed, "boom"); err != nil {
		t.Fatalf("pending→failed: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.ByKind[model.KindCopy] != 3 || stats.ByKind[model.KindChecksum] != 1 {
		t.Errorf("by_kind = %v", stats.ByKind)
	}
	if stats.BytesTotal != 3<<20 {
		t.Errorf("bytes_total = %d, want %d", stats.BytesTotal, 3<<20)
	}
	if stats.BytesHuman != "3.0 MiB" {
		t.Errorf("bytes_human = %q, want %q", stats.BytesHuman, "3.0 MiB")
	}
}
