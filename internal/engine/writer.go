package engine

import (
	"fmt"
	"time"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/model"
)

// runWriter drains the write queue until it dequeues a stop signal.
func (e *Engine) runWriter(id int, h backend.Handle) {
	for {
		msg := <-e.writes
		queueDepth.WithLabelValues(queueWrite).Dec()

		switch m := msg.(type) {
		case stopSignal:
			e.logger.Debug("io writer finishing", "worker", id)
			return
		case writeRequest:
			e.write(id, h, m.entry)
		}
	}
}

// write performs one entry. OnComplete runs only after the whole payload
// was accepted.
func (e *Engine) write(id int, h backend.Handle, entry model.WriteEntry) {
	off := entry.Chunk.Offset(e.cfg.ChunkSize)

	e.writers.set(id, StateWriting)
	start := time.Now()
	n, err := h.WriteAt(entry.Payload, off)
	writeDuration.Observe(time.Since(start).Seconds())
	e.writers.set(id, StateIdle)

	switch {
	case err != nil:
		ioErrors.WithLabelValues(errKindWrite).Inc()
		e.logger.Error("write chunk", "volume", e.ref.String(), "worker", id, "chunk", entry.Chunk.ID, "error", err)
		e.writeErr.set(fmt.Errorf("write chunk %d: %w", entry.Chunk.ID, err))
		return
	case n != len(entry.Payload):
		ioErrors.WithLabelValues(errKindShortWrite).Inc()
		e.logger.Error("short write", "volume", e.ref.String(), "worker", id, "chunk", entry.Chunk.ID,
			"written", n, "want", len(entry.Payload))
		e.writeErr.set(fmt.Errorf("%w: chunk %d: %d of %d bytes", ErrShortWrite, entry.Chunk.ID, n, len(entry.Payload)))
		return
	}

	chunksWritten.Inc()
	bytesWritten.Add(float64(n))
	if entry.OnComplete != nil {
		entry.OnComplete()
	}
}

// Write queues payload for the chunk's offset, blocking while the write
// queue is full. It returns the first failure any writer has recorded
// instead of queueing more work. onComplete, when non-nil, runs on the
// writer goroutine and must not block. A Write that returns nil is
// performed before Close returns; once Close has started, Write fails with
// ErrWriteHandleNotOpen.
func (e *Engine) Write(chunk model.Chunk, payload []byte, onComplete func()) error {
	e.sends.RLock()
	defer e.sends.RUnlock()
	e.mu.RLock()
	writes, m := e.writes, e.mode
	e.mu.RUnlock()
	if m != modeWrite {
		return ErrWriteHandleNotOpen
	}
	if err := e.writeErr.get(); err != nil {
		return err
	}

	queueDepth.WithLabelValues(queueWrite).Inc()
	writes <- writeRequest{entry: model.WriteEntry{Chunk: chunk, Payload: payload, OnComplete: onComplete}}
	return nil
}

// WriteErr returns the first failure recorded by a writer, if any.
func (e *Engine) WriteErr() error {
	return e.writeErr.get()
}
