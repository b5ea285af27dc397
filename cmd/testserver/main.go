// testserver starts a blockio API server over seeded in-memory volumes for
// E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/seantiz/blockio/internal/api"
	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/bwlimit"
	"github.com/seantiz/blockio/internal/backend/memory"
	"github.com/seantiz/blockio/internal/engine"
	"github.com/seantiz/blockio/internal/jobs"
	"github.com/seantiz/blockio/internal/store"
)

const (
	seedChunk = 64 << 10

	// slowReadRate keeps jobs on the slow scheme running for a few seconds
	// so tests can watch them.
	slowReadRate = 2 << 20
)

// seeded volumes, in pool rbd of both schemes.
var volumes = map[string]int64{
	"small": 256 << 10,
	"vm":    8 << 20,
}

// seed writes a deterministic pattern into pool/image so digests are
// stable across runs.
func seed(ctx context.Context, b backend.Backend, pool, image string, size int64) error {
	if err := b.CreateImage(ctx, pool, image, size, 0); err != nil {
		return err
	}
	h, err := b.OpenWriteHandle(ctx, pool, image)
	if err != nil {
		return err
	}
	defer h.Close()

	buf := make([]byte, seedChunk)
	for off := int64(0); off < size; off += seedChunk {
		for i := range buf {
			buf[i] = byte(off/seedChunk) ^ byte(i)
		}
		n := min(int64(len(buf)), size-off)
		if _, err := h.WriteAt(buf[:n], off); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	addr := ":8080"
	if v := os.Getenv("BLOCKIO_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	fast := memory.New("rbd", "backup")
	slow := memory.New("rbd", "backup")
	for image, size := range volumes {
		for _, b := range []backend.Backend{fast, slow} {
			if err := seed(ctx, b, "rbd", image, size); err != nil {
				log.Fatalf("seed %s: %v", image, err)
			}
		}
	}

	reg := backend.NewRegistry()
	reg.Register("memory", fast)
	reg.Register("slow", bwlimit.New(slow, slowReadRate, 0))
	defer reg.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	runner := jobs.NewRunner(db, reg, engine.Config{ChunkSize: seedChunk, SimultaneousReads: 4}, logger)
	srv := api.NewServer(addr, db, reg, runner, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
