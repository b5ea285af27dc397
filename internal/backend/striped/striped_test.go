package striped_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/backendtest"
	"github.com/seantiz/blockio/internal/backend/memory"
	"github.com/seantiz/blockio/internal/backend/striped"
)

func TestBackendConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return memory.New(backendtest.Pool)
	})
}

func TestSmallObjectSize(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return striped.New("small", memory.NewStore(backendtest.Pool), striped.WithObjectSize(512))
	})
}

func TestFullObjectWriteSkipsRead(t *testing.T) {
	store := &countingStore{Store: memory.NewStore("rbd")}
	b := striped.New("counting", store, striped.WithObjectSize(4096))
	ctx := context.Background()

	if err := b.CreateImage(ctx, "rbd", "vm", 16384, 0); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	h, err := b.OpenWriteHandle(ctx, "rbd", "vm")
	if err != nil {
		t.Fatalf("OpenWriteHandle: %v", err)
	}
	defer h.Close()

	if _, err := h.WriteAt(bytes.Repeat([]byte{0xab}, 8192), 4096); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if store.gets != 0 {
		t.Errorf("aligned write issued %d object reads, want 0", store.gets)
	}
	if store.puts != 2 {
		t.Errorf("aligned write issued %d object writes, want 2", store.puts)
	}
}

func TestSnapshotKeepsSizeAtCreation(t *testing.T) {
	b := memory.New("rbd")
	ctx := context.Background()
	if err := b.CreateImage(ctx, "rbd", "vm", 8192, 0); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	if err := b.CreateSnapshot(ctx, "rbd", "vm", "s1"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	h, err := b.OpenReadHandle(ctx, "rbd", "vm", "s1")
	if err != nil {
		t.Fatalf("OpenReadHandle: %v", err)
	}
	defer h.Close()
	sz, err := h.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != 8192 {
		t.Errorf("snapshot Size = %d, want 8192", sz)
	}
}

type countingStore struct {
	*memory.Store
	gets, puts int
}

func (c *countingStore) GetObject(ctx context.Context, key striped.ObjectKey) ([]byte, error) {
	c.gets++
	return c.Store.GetObject(ctx, key)
}

func (c *countingStore) PutObject(ctx context.Context, key striped.ObjectKey, data []byte) error {
	c.puts++
	return c.Store.PutObject(ctx, key, data)
}
