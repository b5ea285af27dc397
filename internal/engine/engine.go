package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/model"
)

type mode int

const (
	modeIdle mode = iota
	modeRead
	modeWrite
	modeClosing
)

// Engine moves fixed-size chunks between a caller and one volume. It is
// opened for reading or for writing, never both; after Close it may be
// opened again.
type Engine struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger

	// lifecycle serializes Open and Close. mu guards the fields below,
	// which change only while lifecycle is held.
	lifecycle  sync.Mutex
	mu         sync.RWMutex
	// sends is held shared by Read and Write while they enqueue and
	// exclusively by Close before it queues stop signals, so no request
	// lands behind them.
	sends      sync.RWMutex
	mode       mode
	ref        model.VolumeRef
	volumeSize int64
	requests   *unboundedQueue[readMsg]
	results    chan resultMsg
	writes     chan writeMsg
	writeH     backend.Handle
	readers    *statusTracker
	writers    *statusTracker
	workers    sync.WaitGroup

	writeErr firstError
}

// New creates an engine over b. Zero fields of cfg take their defaults.
func New(b backend.Backend, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		backend: b,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// OpenRead opens ref for reading and starts the reader pool. Every reader
// gets its own handle; if any handle cannot be opened, the ones already
// opened are closed and no worker is started.
func (e *Engine) OpenRead(ctx context.Context, ref string) error {
	r, err := model.ParseReadRef(ref)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.currentMode() != modeIdle {
		return ErrAlreadyOpen
	}

	sizer, err := e.backend.OpenReadHandle(ctx, r.Pool, r.Image, r.Snapshot)
	if err != nil {
		return fmt.Errorf("open %s: %w", r, err)
	}
	size, err := sizer.Size()
	sizer.Close()
	if err != nil {
		return fmt.Errorf("size of %s: %w", r, err)
	}

	n := e.cfg.SimultaneousReads
	handles := make([]backend.Handle, 0, n)
	for range n {
		h, err := e.backend.OpenReadHandle(ctx, r.Pool, r.Image, r.Snapshot)
		if err != nil {
			for _, h := range handles {
				h.Close()
			}
			return fmt.Errorf("open %s: %w", r, err)
		}
		handles = append(handles, h)
	}

	e.mu.Lock()
	e.ref = r
	e.volumeSize = size
	e.requests = newUnboundedQueue[readMsg]()
	e.results = make(chan resultMsg, e.cfg.ResultQueueDepth)
	e.readers = newStatusTracker(roleReader, n)
	e.writers = nil
	e.writes = nil
	e.mode = modeRead
	e.mu.Unlock()

	for i, h := range handles {
		e.workers.Go(func() { e.runReader(i, h) })
	}

	e.logger.Info("volume opened for reading",
		"volume", r.String(), "size", size, "readers", n, "chunk_size", e.cfg.ChunkSize)
	return nil
}

// OpenWrite opens ref for writing and starts the writer pool. A missing
// image is created with sizeHint bytes. An existing image is only reused
// when force is set and it holds at least sizeHint bytes.
func (e *Engine) OpenWrite(ctx context.Context, ref string, sizeHint int64, force bool) error {
	r, err := model.ParseWriteRef(ref)
	if err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.currentMode() != modeIdle {
		return ErrAlreadyOpen
	}

	if e.cfg.SimultaneousWrites > 1 && !e.backend.Capabilities().ConcurrentWrites {
		return fmt.Errorf("%w: %s with %d writers", ErrConcurrentWritesUnsupported,
			e.backend.Capabilities().Name, e.cfg.SimultaneousWrites)
	}

	existing, err := e.backend.OpenReadHandle(ctx, r.Pool, r.Image, "")
	switch {
	case errors.Is(err, backend.ErrVolumeNotFound):
		if err := e.backend.CreateImage(ctx, r.Pool, r.Image, sizeHint, e.cfg.NewImageFeatures); err != nil {
			return fmt.Errorf("create %s: %w", r, err)
		}
		e.logger.Info("volume created", "volume", r.String(), "size", sizeHint,
			"features", e.cfg.NewImageFeatures.String())
	case err != nil:
		return fmt.Errorf("open %s: %w", r, err)
	default:
		size, err := existing.Size()
		existing.Close()
		if err != nil {
			return fmt.Errorf("size of %s: %w", r, err)
		}
		if !force {
			return fmt.Errorf("%w: %s", ErrVolumeAlreadyExists, r)
		}
		if size < sizeHint {
			return fmt.Errorf("%w: %s has %d bytes, need %d", ErrTargetTooSmall, r, size, sizeHint)
		}
	}

	h, err := e.backend.OpenWriteHandle(ctx, r.Pool, r.Image)
	if err != nil {
		return fmt.Errorf("open %s for writing: %w", r, err)
	}
	size, err := h.Size()
	if err != nil {
		h.Close()
		return fmt.Errorf("size of %s: %w", r, err)
	}

	n := e.cfg.SimultaneousWrites
	e.writeErr.reset()
	e.mu.Lock()
	e.ref = r
	e.volumeSize = size
	e.writeH = h
	e.writes = make(chan writeMsg, e.cfg.WriteQueueDepth)
	e.writers = newStatusTracker(roleWriter, n)
	e.readers = nil
	e.requests = nil
	e.results = nil
	e.mode = modeWrite
	e.mu.Unlock()

	for i := range n {
		e.workers.Go(func() { e.runWriter(i, h) })
	}

	e.logger.Info("volume opened for writing",
		"volume", r.String(), "size", size, "writers", n, "chunk_size", e.cfg.ChunkSize)
	return nil
}

// Size opens a short-lived read handle on the open volume's head and
// returns its size.
func (e *Engine) Size(ctx context.Context) (int64, error) {
	e.mu.RLock()
	r, m := e.ref, e.mode
	e.mu.RUnlock()
	if m == modeIdle {
		return 0, ErrNotOpen
	}

	h, err := e.backend.OpenReadHandle(ctx, r.Pool, r.Image, r.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", r, err)
	}
	defer h.Close()
	return h.Size()
}

// Volume returns the reference of the open volume.
func (e *Engine) Volume() model.VolumeRef {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ref
}

func (e *Engine) currentMode() mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// QueueStatus reports the fill ratio of the result and write queues. Both
// are zero for a queue that does not exist in the current mode.
func (e *Engine) QueueStatus() QueueStatus {
	e.mu.RLock()
	results, writes := e.results, e.writes
	e.mu.RUnlock()

	var s QueueStatus
	if results != nil {
		s.ResultQueueFill = float64(len(results)) / float64(cap(results))
	}
	if writes != nil {
		s.WriteQueueFill = float64(len(writes)) / float64(cap(writes))
	}
	return s
}

// ThreadStatus returns a snapshot of worker states and write queue depth.
func (e *Engine) ThreadStatus() ThreadStatus {
	e.mu.RLock()
	readers, writers, writes := e.readers, e.writers, e.writes
	e.mu.RUnlock()

	s := ThreadStatus{
		Readers: readers.states(),
		Writers: writers.states(),
	}
	if writes != nil {
		s.WriteQueueLen = len(writes)
	}
	return s
}

// Close stops the workers of the current mode and waits for them.
//
// In read mode one stop signal per reader is queued behind any pending
// requests and Close returns once every reader has exited. Readers block
// on a full result queue, so a caller that leaves more results uncollected
// than the queue holds must keep calling Get while Close runs, or use
// Abandon. After Close, Get returns the results left in the queue, then
// ErrEndOfStream once per reader, then ErrReadHandleNotOpen.
//
// In write mode every queued write is performed before the writers exit,
// then the shared write handle is closed. Close returns the first writer
// failure, or the handle's close error.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	switch e.currentMode() {
	case modeRead:
		e.closeReaders()
	case modeWrite:
		return e.closeWriters()
	default:
		return ErrNotOpen
	}
	return nil
}

// beginClose makes Read and Write fail from now on and waits for the
// enqueues already under way.
func (e *Engine) beginClose() {
	e.sends.Lock()
	e.mu.Lock()
	e.mode = modeClosing
	e.mu.Unlock()
	e.sends.Unlock()
}

func (e *Engine) closeReaders() {
	e.beginClose()
	for range len(e.readers.slots) {
		e.requests.Push(stopSignal{})
		queueDepth.WithLabelValues(queueRequest).Inc()
	}
	e.workers.Wait()

	// No reader is left to send, so Get can tell an exhausted queue.
	close(e.results)
	e.setIdle()
	e.logger.Info("volume closed", "volume", e.ref.String(), "uncollected", len(e.results))
}

func (e *Engine) closeWriters() error {
	e.beginClose()
	for range len(e.writers.slots) {
		e.writes <- stopSignal{}
		queueDepth.WithLabelValues(queueWrite).Inc()
	}
	e.workers.Wait()

	err := e.writeErr.get()
	if cerr := e.writeH.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", e.ref, cerr)
	}
	e.mu.Lock()
	e.writeH = nil
	e.writes = nil
	e.mu.Unlock()
	e.setIdle()
	e.logger.Info("volume closed", "volume", e.ref.String())
	return err
}

func (e *Engine) setIdle() {
	e.mu.Lock()
	e.mode = modeIdle
	e.mu.Unlock()
}

// firstError keeps the first error recorded by any writer.
type firstError struct {
	mu  sync.Mutex
	err error
}

func (f *firstError) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *firstError) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
}
