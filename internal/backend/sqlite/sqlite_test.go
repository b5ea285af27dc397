package sqlite_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/backendtest"
	"github.com/seantiz/blockio/internal/backend/sqlite"
	"github.com/seantiz/blockio/internal/backend/striped"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "volumes.db")
	s, err := sqlite.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestBackendConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		b := striped.New("sqlite", newTestStore(t))
		if err := b.CreatePool(context.Background(), backendtest.Pool); err != nil {
			t.Fatalf("CreatePool: %v", err)
		}
		return b
	})
}

func TestObjectsSurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "volumes.db")
	ctx := context.Background()
	key := striped.ObjectKey{Pool: "rbd", Image: "vm", Index: 7}
	payload := bytes.Repeat([]byte("blockio"), 1000)

	s, err := sqlite.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.PutObject(ctx, key, payload); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlite.NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetObject(ctx, key)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("object differs after reopen")
	}
}

func TestImageSnapshotsPersist(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	info := striped.ImageInfo{
		Pool: "rbd", Image: "vm", Size: 1 << 20, ObjectSize: 4096,
		Features:  uint64(backend.FeatureLayering),
		Snapshots: map[string]int64{"s1": 4096},
	}
	if err := s.PutImage(ctx, info); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	got, err := s.GetImage(ctx, "rbd", "vm")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if got.Size != info.Size || got.ObjectSize != info.ObjectSize || got.Features != info.Features {
		t.Errorf("GetImage = %+v, want %+v", got, info)
	}
	if got.Snapshots["s1"] != 4096 {
		t.Errorf("Snapshots = %v, want s1:4096", got.Snapshots)
	}
}
