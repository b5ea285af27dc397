// Package backendtest holds a conformance suite run against every
// backend.Backend implementation.
package backendtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/seantiz/blockio/internal/backend"
)

// Pool is the pool every factory passed to Run must have created.
const Pool = "rbd"

// Factory returns a fresh backend with Pool already created. The suite
// closes the backend when the subtest ends.
type Factory func(t *testing.T) backend.Backend

// Run exercises the backend contract against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"MissingPool", testMissingPool},
		{"MissingImage", testMissingImage},
		{"CreateTwice", testCreateTwice},
		{"RoundTrip", testRoundTrip},
		{"UnwrittenReadsZero", testUnwrittenReadsZero},
		{"ReadPastEnd", testReadPastEnd},
		{"WriteOutOfRange", testWriteOutOfRange},
		{"ReadHandleIsReadOnly", testReadHandleIsReadOnly},
		{"ClosedHandle", testClosedHandle},
		{"Snapshot", testSnapshot},
		{"ConcurrentWrites", testConcurrentWrites},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { b.Close() })
			tt.fn(t, b)
		})
	}
}

func createImage(t *testing.T, b backend.Backend, image string, size int64) {
	t.Helper()
	if err := b.CreateImage(context.Background(), Pool, image, size, backend.FeatureLayering); err != nil {
		t.Fatalf("CreateImage(%s): %v", image, err)
	}
}

func openWrite(t *testing.T, b backend.Backend, image string) backend.Handle {
	t.Helper()
	h, err := b.OpenWriteHandle(context.Background(), Pool, image)
	if err != nil {
		t.Fatalf("OpenWriteHandle(%s): %v", image, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func openRead(t *testing.T, b backend.Backend, image, snapshot string) backend.Handle {
	t.Helper()
	h, err := b.OpenReadHandle(context.Background(), Pool, image, snapshot)
	if err != nil {
		t.Fatalf("OpenReadHandle(%s@%s): %v", image, snapshot, err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i%251)
	}
	return p
}

func testMissingPool(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	err := b.CreateImage(ctx, "nopool", "vm", 4096, 0)
	if !errors.Is(err, backend.ErrPoolNotFound) {
		t.Errorf("CreateImage in missing pool = %v, want ErrPoolNotFound", err)
	}
	_, err = b.OpenReadHandle(ctx, "nopool", "vm", "")
	if !errors.Is(err, backend.ErrPoolNotFound) {
		t.Errorf("OpenReadHandle in missing pool = %v, want ErrPoolNotFound", err)
	}
}

func testMissingImage(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	if _, err := b.OpenReadHandle(ctx, Pool, "ghost", ""); !errors.Is(err, backend.ErrVolumeNotFound) {
		t.Errorf("OpenReadHandle = %v, want ErrVolumeNotFound", err)
	}
	if _, err := b.OpenWriteHandle(ctx, Pool, "ghost"); !errors.Is(err, backend.ErrVolumeNotFound) {
		t.Errorf("OpenWriteHandle = %v, want ErrVolumeNotFound", err)
	}
}

func testCreateTwice(t *testing.T, b backend.Backend) {
	createImage(t, b, "vm", 4096)
	err := b.CreateImage(context.Background(), Pool, "vm", 4096, 0)
	if !errors.Is(err, backend.ErrVolumeExists) {
		t.Errorf("second CreateImage = %v, want ErrVolumeExists", err)
	}
}

func testRoundTrip(t *testing.T, b backend.Backend) {
	const size = 1 << 20
	createImage(t, b, "vm", size)
	w := openWrite(t, b, "vm")

	// Straddles object boundaries for any power-of-two object size up to 64 KiB.
	payload := pattern(100_000, 7)
	const off = 12_345
	n, err := w.WriteAt(payload, off)
	if err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("WriteAt n = %d, want %d", n, len(payload))
	}

	r := openRead(t, b, "vm", "")
	got := make([]byte, len(payload))
	if _, err := r.ReadAt(got, off); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("read back data differs from written payload")
	}

	sz, err := r.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz != size {
		t.Errorf("Size = %d, want %d", sz, size)
	}
}

func testUnwrittenReadsZero(t *testing.T, b backend.Backend) {
	createImage(t, b, "vm", 256<<10)
	w := openWrite(t, b, "vm")
	if _, err := w.WriteAt([]byte{0xff}, 100); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	r := openRead(t, b, "vm", "")
	got := make([]byte, 4096)
	if _, err := r.ReadAt(got, 128<<10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, make([]byte, len(got))) {
		t.Error("unwritten region did not read as zeros")
	}

	head := make([]byte, 200)
	if _, err := r.ReadAt(head, 0); err != nil {
		t.Fatalf("ReadAt head: %v", err)
	}
	for i, c := range head {
		want := byte(0)
		if i == 100 {
			want = 0xff
		}
		if c != want {
			t.Fatalf("byte %d = %#x, want %#x", i, c, want)
		}
	}
}

func testReadPastEnd(t *testing.T, b backend.Backend) {
	createImage(t, b, "vm", 10_000)
	r := openRead(t, b, "vm", "")

	buf := make([]byte, 4096)
	n, err := r.ReadAt(buf, 8192)
	if n != 10_000-8192 {
		t.Errorf("short tail read n = %d, want %d", n, 10_000-8192)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("short tail read err = %v, want io.EOF", err)
	}

	n, err = r.ReadAt(buf, 10_000)
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("read at end = (%d, %v), want (0, io.EOF)", n, err)
	}
}

func testWriteOutOfRange(t *testing.T, b backend.Backend) {
	createImage(t, b, "vm", 4096)
	w := openWrite(t, b, "vm")
	if _, err := w.WriteAt(make([]byte, 10), 4090); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("WriteAt past end = %v, want ErrOutOfRange", err)
	}
}

func testReadHandleIsReadOnly(t *testing.T, b backend.Backend) {
	createImage(t, b, "vm", 4096)
	r := openRead(t, b, "vm", "")
	if _, err := r.WriteAt([]byte{1}, 0); !errors.Is(err, backend.ErrReadOnly) {
		t.Errorf("WriteAt on read handle = %v, want ErrReadOnly", err)
	}
}

func testClosedHandle(t *testing.T, b backend.Backend) {
	createImage(t, b, "vm", 4096)
	h, err := b.OpenReadHandle(context.Background(), Pool, "vm", "")
	if err != nil {
		t.Fatalf("OpenReadHandle: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.ReadAt(make([]byte, 16), 0); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("ReadAt after Close = %v, want ErrClosed", err)
	}
}

func testSnapshot(t *testing.T, b backend.Backend) {
	snap, ok := b.(backend.Snapshotter)
	if !ok || !b.Capabilities().Snapshots {
		t.Skip("backend does not support snapshots")
	}
	ctx := context.Background()
	createImage(t, b, "vm", 128<<10)
	w := openWrite(t, b, "vm")

	before := pattern(8192, 1)
	if _, err := w.WriteAt(before, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := snap.CreateSnapshot(ctx, Pool, "vm", "s1"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := snap.CreateSnapshot(ctx, Pool, "vm", "s1"); !errors.Is(err, backend.ErrVolumeExists) {
		t.Errorf("duplicate CreateSnapshot = %v, want ErrVolumeExists", err)
	}
	if _, err := w.WriteAt(pattern(8192, 99), 0); err != nil {
		t.Fatalf("WriteAt after snapshot: %v", err)
	}

	r := openRead(t, b, "vm", "s1")
	got := make([]byte, len(before))
	if _, err := r.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt snapshot: %v", err)
	}
	if !bytes.Equal(got, before) {
		t.Error("snapshot content changed after head was overwritten")
	}

	if _, err := b.OpenReadHandle(ctx, Pool, "vm", "nosuch"); !errors.Is(err, backend.ErrVolumeNotFound) {
		t.Errorf("OpenReadHandle missing snapshot = %v, want ErrVolumeNotFound", err)
	}
}

func testConcurrentWrites(t *testing.T, b backend.Backend) {
	if !b.Capabilities().ConcurrentWrites {
		t.Skip("backend does not declare concurrent writes")
	}
	const (
		chunk   = 4096
		writers = 8
		chunks  = 32
	)
	createImage(t, b, "vm", chunk*chunks)
	w := openWrite(t, b, "vm")

	var wg sync.WaitGroup
	errs := make(chan error, chunks)
	for i := range writers {
		wg.Go(func() {
			for c := i; c < chunks; c += writers {
				if _, err := w.WriteAt(pattern(chunk, byte(c)), int64(c*chunk)); err != nil {
					errs <- fmt.Errorf("chunk %d: %w", c, err)
				}
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	r := openRead(t, b, "vm", "")
	got := make([]byte, chunk)
	for c := range chunks {
		if _, err := r.ReadAt(got, int64(c*chunk)); err != nil {
			t.Fatalf("ReadAt chunk %d: %v", c, err)
		}
		if !bytes.Equal(got, pattern(chunk, byte(c))) {
			t.Errorf("chunk %d corrupted by concurrent writes", c)
		}
	}
}
