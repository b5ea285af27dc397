package copier_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/file"
	"github.com/seantiz/blockio/internal/backend/memory"
	"github.com/seantiz/blockio/internal/copier"
	"github.com/seantiz/blockio/internal/engine"
	"github.com/seantiz/blockio/internal/model"
	"github.com/seantiz/blockio/internal/store"
)

const chunkSize = 4096

type harness struct {
	reg    *backend.Registry
	mem    backend.Backend
	store  *store.SQLiteStore
	copier *copier.Copier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	mem := memory.New("rbd")
	reg.Register("memory", mem)

	cfg := engine.Config{ChunkSize: chunkSize, SimultaneousReads: 4}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return &harness{reg: reg, mem: mem, store: s, copier: copier.New(reg, cfg, s, logger)}
}

func (h *harness) newJob(t *testing.T, kind string) string {
	t.Helper()
	j := &model.Job{
		ID:        model.NewID(),
		Kind:      kind,
		Status:    model.StatusRunning,
		Source:    "memory://rbd/src",
		ChunkSize: chunkSize,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return j.ID
}

func (h *harness) digests(t *testing.T, jobID string) map[uint64]string {
	t.Helper()
	ds, err := h.store.GetDigests(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetDigests: %v", err)
	}
	m := make(map[uint64]string, len(ds))
	for _, d := range ds {
		m[d.ChunkID] = d.Digest
	}
	return m
}

func seed(t *testing.T, b backend.Backend, image string, data []byte) {
	t.Helper()
	ctx := context.Background()
	if err := b.CreateImage(ctx, "rbd", image, int64(len(data)), 0); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	h, err := b.OpenWriteHandle(ctx, "rbd", image)
	if err != nil {
		t.Fatalf("OpenWriteHandle: %v", err)
	}
	defer h.Close()
	if _, err := h.WriteAt(data, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func contents(t *testing.T, b backend.Backend, image string) []byte {
	t.Helper()
	h, err := b.OpenReadHandle(context.Background(), "rbd", image, "")
	if err != nil {
		t.Fatalf("OpenReadHandle: %v", err)
	}
	defer h.Close()
	size, _ := h.Size()
	buf := make([]byte, size)
	if _, err := h.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt: %v", err)
	}
	return buf
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.Read(data)
	return data
}

func digestOf(p []byte) string {
	sum := sha512.Sum512(p)
	return hex.EncodeToString(sum[:])
}

func TestCopy(t *testing.T) {
	h := newHarness(t)
	data := randomData(t, 10*chunkSize+123)
	seed(t, h.mem, "src", data)
	jobID := h.newJob(t, model.KindCopy)

	var started [2]int64
	var last copier.Progress
	res, err := h.copier.Copy(context.Background(), "memory://rbd/src", "memory://rbd/dst", copier.Options{
		JobID:      jobID,
		OnStart:    func(size, chunks int64) { started = [2]int64{size, chunks} },
		OnProgress: func(p copier.Progress) { last = p },
	})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	if !bytes.Equal(contents(t, h.mem, "dst"), data) {
		t.Error("target differs from source")
	}
	if res.ChunksTotal != 11 || res.ChunksRead != 11 || res.Carried != 0 || res.SizeBytes != int64(len(data)) {
		t.Errorf("Result = %+v", res)
	}
	if started != [2]int64{int64(len(data)), 11} {
		t.Errorf("OnStart got %v", started)
	}
	if last.ChunksDone != 11 || last.ChunksTotal != 11 || last.BytesDone != int64(len(data)) {
		t.Errorf("final progress = %+v", last)
	}

	got := h.digests(t, jobID)
	if len(got) != 11 {
		t.Fatalf("recorded %d digests, want 11", len(got))
	}
	for id := range uint64(11) {
		end := min(int(id+1)*chunkSize, len(data))
		if got[id] != digestOf(data[int(id)*chunkSize:end]) {
			t.Errorf("digest of chunk %d does not match source", id)
		}
	}
}

func TestCopyExistingTarget(t *testing.T) {
	h := newHarness(t)
	seed(t, h.mem, "src", randomData(t, 4*chunkSize))
	seed(t, h.mem, "dst", make([]byte, 4*chunkSize))
	seed(t, h.mem, "tiny", make([]byte, chunkSize))
	ctx := context.Background()

	_, err := h.copier.Copy(ctx, "memory://rbd/src", "memory://rbd/dst", copier.Options{})
	if !errors.Is(err, engine.ErrVolumeAlreadyExists) {
		t.Errorf("Copy without force = %v, want ErrVolumeAlreadyExists", err)
	}
	_, err = h.copier.Copy(ctx, "memory://rbd/src", "memory://rbd/tiny", copier.Options{Force: true})
	if !errors.Is(err, engine.ErrTargetTooSmall) {
		t.Errorf("Copy into smaller target = %v, want ErrTargetTooSmall", err)
	}
	if _, err := h.copier.Copy(ctx, "memory://rbd/src", "memory://rbd/dst", copier.Options{Force: true}); err != nil {
		t.Errorf("Copy with force: %v", err)
	}
}

func TestCopyAcrossBackends(t *testing.T) {
	h := newHarness(t)
	fb, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("file.New: %v", err)
	}
	if err := fb.CreatePool(context.Background(), "rbd"); err != nil {
		t.Fatalf("CreatePool: %v", err)
	}
	h.reg.Register("file", fb)

	data := randomData(t, 6*chunkSize)
	seed(t, h.mem, "src", data)
	if _, err := h.copier.Copy(context.Background(), "memory://rbd/src", "file://rbd/dst", copier.Options{}); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if !bytes.Equal(contents(t, fb, "dst"), data) {
		t.Error("file target differs from memory source")
	}
}

func TestCopyUnknownScheme(t *testing.T) {
	h := newHarness(t)
	_, err := h.copier.Copy(context.Background(), "memory://rbd/src", "s3://bucket/dst", copier.Options{})
	if !errors.Is(err, backend.ErrUnknownScheme) {
		t.Errorf("Copy = %v, want ErrUnknownScheme", err)
	}
}

func TestCopyResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := randomData(t, 8*chunkSize)
	seed(t, h.mem, "src", data)

	// An interrupted run wrote and recorded chunks 0-2.
	seed(t, h.mem, "dst", append(append([]byte{}, data[:3*chunkSize]...), make([]byte, 5*chunkSize)...))
	earlier := h.newJob(t, model.KindCopy)
	var partial []model.ChunkDigest
	for id := range uint64(3) {
		partial = append(partial, model.ChunkDigest{
			JobID: earlier, ChunkID: id, Digest: digestOf(data[id*chunkSize : (id+1)*chunkSize]),
		})
	}
	if err := h.store.InsertDigests(ctx, partial); err != nil {
		t.Fatalf("InsertDigests: %v", err)
	}

	jobID := h.newJob(t, model.KindCopy)
	res, err := h.copier.Copy(ctx, "memory://rbd/src", "memory://rbd/dst", copier.Options{
		JobID:      jobID,
		ResumeFrom: earlier,
	})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.Carried != 3 || res.ChunksRead != 5 {
		t.Errorf("carried %d, read %d, want 3 and 5", res.Carried, res.ChunksRead)
	}
	if !bytes.Equal(contents(t, h.mem, "dst"), data) {
		t.Error("resumed target differs from source")
	}
	got := h.digests(t, jobID)
	if len(got) != 8 {
		t.Fatalf("recorded %d digests, want 8", len(got))
	}
	if got[1] != partial[1].Digest {
		t.Error("carried digest not recorded for the resumed job")
	}
}

func TestChecksumAndVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := randomData(t, 5*chunkSize)
	seed(t, h.mem, "src", data)

	sumJob := h.newJob(t, model.KindChecksum)
	res, err := h.copier.Checksum(ctx, "memory://rbd/src", copier.Options{JobID: sumJob})
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if res.ChunksRead != 5 {
		t.Errorf("ChunksRead = %d, want 5", res.ChunksRead)
	}
	if got := h.digests(t, sumJob); got[4] != digestOf(data[4*chunkSize:]) {
		t.Error("checksum digest of chunk 4 is wrong")
	}

	res, err = h.copier.Verify(ctx, "memory://rbd/src", sumJob, copier.Options{})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Mismatched) != 0 {
		t.Errorf("clean volume mismatched chunks %v", res.Mismatched)
	}

	// Corrupt chunks 3 and 1.
	w, err := h.mem.OpenWriteHandle(ctx, "rbd", "src")
	if err != nil {
		t.Fatalf("OpenWriteHandle: %v", err)
	}
	w.WriteAt([]byte{^data[3*chunkSize]}, 3*chunkSize)
	w.WriteAt([]byte{^data[chunkSize+7]}, chunkSize+7)
	w.Close()

	var last copier.Progress
	res, err = h.copier.Verify(ctx, "memory://rbd/src", sumJob, copier.Options{
		OnProgress: func(p copier.Progress) { last = p },
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(res.Mismatched) != 2 || res.Mismatched[0] != 1 || res.Mismatched[1] != 3 {
		t.Errorf("Mismatched = %v, want [1 3]", res.Mismatched)
	}
	if last.Mismatches != 2 {
		t.Errorf("progress mismatches = %d, want 2", last.Mismatches)
	}
}

func TestVerifyWithoutDigests(t *testing.T) {
	h := newHarness(t)
	seed(t, h.mem, "src", make([]byte, chunkSize))

	_, err := h.copier.Verify(context.Background(), "memory://rbd/src", h.newJob(t, model.KindChecksum), copier.Options{})
	if !errors.Is(err, copier.ErrNoDigests) {
		t.Errorf("Verify = %v, want ErrNoDigests", err)
	}
}

func TestCopyWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.reg.Register("broken", &failingBackend{Backend: memory.New("rbd")})
	seed(t, h.mem, "src", randomData(t, 64*chunkSize))

	done := make(chan error, 1)
	go func() {
		_, err := h.copier.Copy(context.Background(), "memory://rbd/src", "broken://rbd/dst", copier.Options{})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, errDiskFull) {
			t.Errorf("Copy = %v, want errDiskFull", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Copy did not return after a write failure")
	}

	qs, ts := h.copier.Status()
	if qs != (engine.QueueStatus{}) || len(ts.Readers) != 0 || len(ts.Writers) != 0 {
		t.Errorf("Status after pass = %+v %+v, want empty", qs, ts)
	}
}

func TestCopyCancelled(t *testing.T) {
	h := newHarness(t)
	seed(t, h.mem, "src", make([]byte, 32*chunkSize))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.copier.Copy(ctx, "memory://rbd/src", "memory://rbd/dst", copier.Options{})
	if err == nil {
		t.Fatal("Copy with cancelled context succeeded")
	}
}

func TestSize(t *testing.T) {
	h := newHarness(t)
	seed(t, h.mem, "src", make([]byte, 12345))

	size, err := h.copier.Size(context.Background(), "memory://rbd/src")
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 12345 {
		t.Errorf("Size = %d, want 12345", size)
	}
	if _, err := h.copier.Size(context.Background(), "memory://rbd/ghost"); !errors.Is(err, backend.ErrVolumeNotFound) {
		t.Errorf("Size of missing volume = %v, want ErrVolumeNotFound", err)
	}
}

var errDiskFull = errors.New("disk full")

type failingBackend struct {
	backend.Backend
}

func (b *failingBackend) OpenWriteHandle(ctx context.Context, pool, image string) (backend.Handle, error) {
	h, err := b.Backend.OpenWriteHandle(ctx, pool, image)
	if err != nil {
		return nil, err
	}
	return failingHandle{h}, nil
}

type failingHandle struct {
	backend.Handle
}

func (failingHandle) WriteAt([]byte, int64) (int, error) {
	return 0, errDiskFull
}
